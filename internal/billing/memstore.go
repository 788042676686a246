package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"empowerher/internal/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store guarded by a single mutex. It follows
// the same conditional-write rules as the Postgres repositories and backs
// tests and local runs without a database.
type MemoryStore struct {
	mu          sync.Mutex
	plans       map[types.PlanName]types.Plan
	users       map[string]types.User
	subs        map[string]types.Subscription
	settlements map[string]types.Settlement
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[types.PlanName]types.Plan),
		users:       make(map[string]types.User),
		subs:        make(map[string]types.Subscription),
		settlements: make(map[string]types.Settlement),
	}
}

// PutUser inserts or replaces a user. A zero entitlement becomes free/active.
func (m *MemoryStore) PutUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Entitlement.Plan == "" {
		u.Entitlement = types.Entitlement{Plan: types.PlanFree, Status: types.SubStatusActive}
	}
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	m.users[u.ID] = u
}

// PutPlan inserts or replaces a plan, as an operator edit would.
func (m *MemoryStore) PutPlan(p types.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.Name] = p
}

func (m *MemoryStore) GetPlan(_ context.Context, name types.PlanName) (*types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) ListPlans(_ context.Context, activeOnly bool) ([]types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) InsertPlanIfAbsent(_ context.Context, plan *types.Plan) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.Name]; ok {
		return false, nil
	}
	p := *plan
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.plans[p.Name] = p
	return true, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) RolloverUsage(_ context.Context, userID string, now time.Time) (types.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return types.Usage{}, err
	}
	if NeedsRollover(u.Usage.LastResetAt, now) {
		u.Usage = types.Usage{ReportsThisMonth: 0, LastResetAt: &now}
		m.users[userID] = u
	}
	return u.Usage, nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, userID string, limit int, now time.Time) (types.Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return types.Usage{}, false, err
	}
	usage := u.Usage
	if NeedsRollover(usage.LastResetAt, now) {
		usage = types.Usage{ReportsThisMonth: 0, LastResetAt: &now}
	}
	if limit >= 0 && usage.ReportsThisMonth >= limit {
		return u.Usage, false, nil
	}
	usage.ReportsThisMonth++
	u.Usage = usage
	m.users[userID] = u
	return usage, true, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, userID string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) FindByGatewayReference(_ context.Context, reference string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reference == "" {
		return nil, nil
	}
	for _, s := range m.subs {
		if s.GatewayReference == reference {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetSettlement(_ context.Context, correlationID string) (*types.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[correlationID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) ExpireEntitlement(_ context.Context, userID string, observedEnd time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return false, err
	}
	ent := u.Entitlement
	if ent.Plan == types.PlanFree || (ent.Status != types.SubStatusActive && ent.Status != types.SubStatusTrial) {
		return false, nil
	}
	if ent.CurrentPeriodEnd == nil || !ent.CurrentPeriodEnd.Equal(observedEnd) || now.Before(observedEnd) {
		return false, nil
	}
	u.Entitlement.Plan = types.PlanFree
	u.Entitlement.Status = types.SubStatusExpired
	u.Entitlement.CancelAtPeriodEnd = false
	m.users[userID] = u

	if s, ok := m.subs[userID]; ok && s.Status == types.SubStatusActive &&
		s.CurrentPeriodEnd != nil && !now.Before(*s.CurrentPeriodEnd) {
		s.Plan = types.PlanFree
		s.Status = types.SubStatusExpired
		s.UpdatedAt = now
		m.subs[userID] = s
	}
	return true, nil
}

func (m *MemoryStore) ActivateFree(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	start := now
	u.Entitlement = types.Entitlement{
		Plan:               types.PlanFree,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: &start,
	}
	m.users[userID] = u

	s := m.record(userID, now)
	s.Plan = types.PlanFree
	s.Status = types.SubStatusActive
	s.CurrentPeriodStart = &start
	s.CurrentPeriodEnd = nil
	s.CancelAtPeriodEnd = false
	s.CancelledAt = nil
	s.GatewayReference = ""
	s.CheckoutReference = ""
	s.UpdatedAt = now
	m.subs[userID] = s
	return nil
}

func (m *MemoryStore) MarkCheckoutPending(_ context.Context, p PendingCheckout) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(p.UserID); err != nil {
		return false, err
	}
	if _, settled := m.settlements[p.CorrelationID]; settled {
		return false, nil
	}
	s := m.record(p.UserID, p.Now)
	if s.GatewayReference == p.CorrelationID {
		return false, nil
	}
	s.Plan = p.Plan
	s.Status = types.SubStatusPending
	s.Gateway = p.Gateway
	s.GatewayReference = p.CorrelationID
	s.CheckoutReference = p.CheckoutReference
	s.UpdatedAt = p.Now
	m.subs[p.UserID] = s
	return true, nil
}

func (m *MemoryStore) ApplyPayment(_ context.Context, c PaymentConfirmation) (ConfirmOutcome, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(c.UserID)
	if err != nil {
		return "", time.Time{}, err
	}
	prior, settled := m.settlements[c.CorrelationID]
	if settled && prior.Outcome == types.SettlementSucceeded {
		return ConfirmDuplicate, periodEndOf(u.Entitlement), nil
	}
	m.settlements[c.CorrelationID] = types.Settlement{
		CorrelationID: c.CorrelationID,
		UserID:        c.UserID,
		Outcome:       types.SettlementSucceeded,
		Amount:        c.Amount,
		Currency:      c.Currency,
		SettledAt:     c.Now,
	}

	start, end, apply := SettlementPeriod(u.Entitlement, c.Interval, c.Now, !settled)
	if !apply {
		if s, ok := m.subs[c.UserID]; ok && s.GatewayReference == c.CorrelationID &&
			(s.Status == types.SubStatusPending || s.Status == types.SubStatusPastDue) {
			s.Status = types.SubStatusActive
			s.UpdatedAt = c.Now
			m.subs[c.UserID] = s
		}
		return ConfirmStale, periodEndOf(u.Entitlement), nil
	}

	u.Entitlement = types.Entitlement{
		Plan:               c.Plan,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}
	m.users[c.UserID] = u

	amount, paidAt := c.Amount, c.PaidAt
	s := m.record(c.UserID, c.Now)
	s.Plan = c.Plan
	s.Status = types.SubStatusActive
	s.CurrentPeriodStart = &start
	s.CurrentPeriodEnd = &end
	s.CancelAtPeriodEnd = false
	s.CancelledAt = nil
	s.Gateway = c.Gateway
	s.GatewayReference = c.CorrelationID
	s.Metadata = types.PaymentMetadata{
		Amount:    &amount,
		Currency:  c.Currency,
		Reference: c.CorrelationID,
		PaidAt:    &paidAt,
		Gateway:   c.Gateway,
	}
	s.UpdatedAt = c.Now
	m.subs[c.UserID] = s
	return ConfirmApplied, end, nil
}

func periodEndOf(ent types.Entitlement) time.Time {
	if ent.CurrentPeriodEnd == nil {
		return time.Time{}
	}
	return *ent.CurrentPeriodEnd
}

func (m *MemoryStore) RecordPaymentFailure(_ context.Context, f PaymentFailure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.settlements[f.CorrelationID]; ok {
		if prior.Outcome == types.SettlementSucceeded {
			return false, nil
		}
	} else {
		m.settlements[f.CorrelationID] = types.Settlement{
			CorrelationID: f.CorrelationID,
			UserID:        f.UserID,
			Outcome:       types.SettlementFailed,
			Amount:        f.Amount,
			Currency:      f.Currency,
			SettledAt:     f.At,
		}
	}

	for userID, s := range m.subs {
		if s.GatewayReference != f.CorrelationID {
			continue
		}
		if s.Status != types.SubStatusPending && s.Status != types.SubStatusActive {
			return false, nil
		}
		s.Status = types.SubStatusPastDue
		s.UpdatedAt = f.At
		m.subs[userID] = s
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) SetCancelAtPeriodEnd(_ context.Context, userID string, cancel bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.Entitlement.CancelAtPeriodEnd = cancel
	m.users[userID] = u

	s := m.record(userID, now)
	s.CancelAtPeriodEnd = cancel
	if cancel {
		at := now
		s.CancelledAt = &at
	} else {
		s.CancelledAt = nil
		if s.Status == types.SubStatusCancelled || s.Status == types.SubStatusPastDue {
			s.Status = types.SubStatusActive
		}
	}
	s.UpdatedAt = now
	m.subs[userID] = s
	return nil
}

func (m *MemoryStore) user(id string) (types.User, error) {
	u, ok := m.users[id]
	if !ok {
		return types.User{}, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return u, nil
}

// record returns the user's billing record, seeded from the entitlement when
// none exists yet. Callers hold m.mu.
func (m *MemoryStore) record(userID string, now time.Time) types.Subscription {
	if s, ok := m.subs[userID]; ok {
		return s
	}
	ent := m.users[userID].Entitlement
	return types.Subscription{
		UserID:             userID,
		Plan:               ent.Plan,
		Status:             ent.Status,
		CurrentPeriodStart: ent.CurrentPeriodStart,
		CurrentPeriodEnd:   ent.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ent.CancelAtPeriodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
