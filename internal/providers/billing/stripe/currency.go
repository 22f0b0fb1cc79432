package stripe

import "github.com/shopspring/decimal"

// Currencies whose Stripe amounts are not expressed in hundredths.
var (
	zeroDecimalCurrencies = map[string]struct{}{
		"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {},
		"krw": {}, "mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {},
		"vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
	}
	threeDecimalCurrencies = map[string]struct{}{
		"bhd": {}, "jod": {}, "kwd": {}, "omr": {}, "tnd": {},
	}
)

// minorUnitExponent is the power of ten between a major unit of currency and
// the smallest unit Stripe bills in.
func minorUnitExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[currency]; ok {
		return 3
	}
	return 2
}

// minorUnits converts a major-unit amount into the currency's minor unit.
func minorUnits(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Shift(minorUnitExponent(currency))
}
