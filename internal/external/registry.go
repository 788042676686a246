package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"empowerher/internal/config"
	"empowerher/internal/types"
)

// GatewayRegistry holds one adapter per provider and names the default used
// for new checkouts and the unqualified webhook route. Every provider is
// registered even without credentials so its webhook route answers with a
// signature failure instead of a 404.
type GatewayRegistry struct {
	gateways    map[types.GatewayName]PaymentGateway
	defaultName types.GatewayName
}

// NewGatewayRegistry builds the adapters from configuration. Each provider
// gets its own HTTP client and circuit breaker.
func NewGatewayRegistry(cfg *config.Config, logger *slog.Logger) *GatewayRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Billing.GatewayTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	newBase := func(name types.GatewayName) *BaseClient {
		return NewBaseClient(&http.Client{Timeout: timeout}, string(name), DefaultRetryPolicy())
	}

	frontend := cfg.Server.FrontendURL
	gateways := []PaymentGateway{
		NewPaystackGateway(PaystackConfig{
			SecretKey:     cfg.Paystack.SecretKey.Unmask(),
			PublicKey:     cfg.Paystack.PublicKey,
			WebhookSecret: cfg.Paystack.WebhookSecret.Unmask(),
			BaseURL:       cfg.Paystack.BaseURL,
		}, newBase(types.GatewayPaystack), logger.With("gateway", types.GatewayPaystack)),
		NewIntaSendGateway(IntaSendConfig{
			PublishableKey: cfg.IntaSend.PublishableKey,
			SecretKey:      cfg.IntaSend.SecretKey.Unmask(),
			WebhookSecret:  cfg.IntaSend.WebhookSecret.Unmask(),
			BaseURL:        cfg.IntaSend.BaseURL,
		}, newBase(types.GatewayIntaSend), logger.With("gateway", types.GatewayIntaSend)),
		NewStripeGateway(StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey.Unmask(),
			WebhookSecret: cfg.Stripe.WebhookSecret.Unmask(),
			SuccessURL:    frontend + "/subscription/success",
			CancelURL:     frontend + "/subscription",
			BaseURL:       cfg.Stripe.BaseURL,
		}, newBase(types.GatewayStripe), logger.With("gateway", types.GatewayStripe)),
	}

	reg := NewRegistry(cfg.Billing.DefaultGateway, gateways...)
	logger.Info("payment gateways registered",
		"default", reg.defaultName,
		"gateways", reg.Names(),
	)
	return reg
}

// NewRegistry builds a registry from ready adapters. When defaultName is not
// among them the first adapter becomes the default.
func NewRegistry(defaultName types.GatewayName, gateways ...PaymentGateway) *GatewayRegistry {
	reg := &GatewayRegistry{gateways: make(map[types.GatewayName]PaymentGateway, len(gateways))}
	for _, g := range gateways {
		reg.gateways[g.Name()] = g
	}
	if _, ok := reg.gateways[defaultName]; ok {
		reg.defaultName = defaultName
	} else if len(gateways) > 0 {
		reg.defaultName = gateways[0].Name()
	}
	return reg
}

// Get returns the adapter for name.
func (r *GatewayRegistry) Get(name types.GatewayName) (PaymentGateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundGateway,
			fmt.Sprintf("unknown payment provider %q", name), nil)
	}
	return g, nil
}

// Default returns the adapter used for new checkouts, or nil when the
// registry is empty.
func (r *GatewayRegistry) Default() PaymentGateway {
	return r.gateways[r.defaultName]
}

// Names lists the registered providers in sorted order.
func (r *GatewayRegistry) Names() []types.GatewayName {
	names := make([]types.GatewayName, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
