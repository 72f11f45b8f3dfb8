package models

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrAmountPrecision is returned for amounts finer than the currency's minor unit.
var ErrAmountPrecision = errors.New("amount has more decimal places than the currency allows")

// minor unit exponents that differ from the default of 2
var currencyExponents = map[string]int32{
	"BHD": 3,
	"CLP": 0,
	"ISK": 0,
	"JPY": 0,
	"JOD": 3,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"VND": 0,
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether code looks like an ISO-4217 alpha code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// CurrencyExponent returns the number of minor-unit digits for a currency.
func CurrencyExponent(code string) int32 {
	if exp, ok := currencyExponents[NormalizeCurrency(code)]; ok {
		return exp
	}
	return 2
}

// MajorUnits converts an amount in minor units into a decimal in major units,
// e.g. 1050 USD cents -> 10.50
func MajorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}

// FormatMajorUnits renders minor units with the currency's fixed precision.
func FormatMajorUnits(minor int64, currency string) string {
	return MajorUnits(minor, currency).StringFixed(CurrencyExponent(currency))
}

// MinorUnits converts a major-unit amount into minor units, e.g. 10.5 USD -> 1050.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(CurrencyExponent(currency))
	if !shifted.IsInteger() {
		return 0, ErrAmountPrecision
	}
	if !shifted.BigInt().IsInt64() {
		return 0, errors.New("amount out of range")
	}
	return shifted.IntPart(), nil
}
