package external

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyExponent is the number of minor-unit digits per ISO 4217 code.
// Codes not listed use two.
var currencyExponent = map[string]int32{
	"KES": 2,
	"USD": 2,
	"NGN": 2,
	"GHS": 2,
	"ZAR": 2,
	"UGX": 0,
	"RWF": 0,
}

func exponent(currency string) int32 {
	if exp, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits converts a major-unit amount to the integer minor units most
// gateways expect (9.99 KES -> 999). Fractions below one minor unit are
// rounded half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	minor := amount.Shift(exponent(currency)).Round(0)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %s is not representable in %s minor units", amount, currency)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a major-unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}
