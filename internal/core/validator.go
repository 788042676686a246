package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"empowerher/internal/types"
)

// Validator wraps go-playground/validator with domain-specific rules and
// JSON field naming so error details match the request body.
//
// Custom tags:
//   - plan_name:      a catalog plan name (free, premium)
//   - payment_method: card or mobile_money
//   - urgency:        low, medium, high or emergency
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister(v, "plan_name", func(fl validator.FieldLevel) bool {
		return types.PlanName(fl.Field().String()).IsValid()
	})
	mustRegister(v, "payment_method", func(fl validator.FieldLevel) bool {
		switch types.PaymentMethod(fl.Field().String()) {
		case types.PaymentMethodCard, types.PaymentMethodMobileMoney:
			return true
		}
		return false
	})
	mustRegister(v, "urgency", func(fl validator.FieldLevel) bool {
		switch types.Urgency(fl.Field().String()) {
		case types.UrgencyLow, types.UrgencyMedium, types.UrgencyHigh, types.UrgencyEmergency:
			return true
		}
		return false
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic("core: register validation " + tag + ": " + err.Error())
	}
}

// FieldError describes one failed rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// tagCodes maps a failed tag to the error code reported for it. Tags not
// listed report validation_invalid_body.
var tagCodes = map[string]types.ErrorCode{
	"required":       types.ErrCodeValidationMissingField,
	"plan_name":      types.ErrCodeValidationInvalidPlan,
	"payment_method": types.ErrCodeValidationInvalidMethod,
}

// ValidateStruct validates s. On failure it returns an AppError whose code
// reflects the first failed rule and whose details list every failure.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}

	first := verrs[0]
	code, ok := tagCodes[first.Tag()]
	if !ok {
		code = types.ErrCodeValidationInvalidBody
	}
	return types.NewAppErrorWithDetails(code, message(first), nil, map[string]any{"fields": fields})
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "plan_name":
		return "invalid plan"
	case "payment_method":
		return "payment method must be card or mobile_money"
	case "urgency":
		return "urgency must be low, medium, high or emergency"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}
