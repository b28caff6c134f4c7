package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultCurrency is applied when callers omit a currency code.
const DefaultCurrency = "AUD"

const (
	// MaxLineItems bounds the number of distinct items accepted in a single order.
	MaxLineItems = 100
	// MaxItemQuantity bounds the quantity of a single line item.
	MaxItemQuantity = 10000
	// MaxAmountMinor is the largest charge, in minor units, the payment processor accepts.
	MaxAmountMinor int64 = 99_999_999
)

var (
	// ErrInvalidAmount indicates a negative or malformed monetary value.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrInvalidLineItem indicates a line item failed validation.
	ErrInvalidLineItem = errors.New("money: invalid line item")
	// ErrNoLineItems indicates an empty item list.
	ErrNoLineItems = errors.New("money: at least one line item is required")
	// ErrUnsupportedCurrency indicates the currency code is not a known ISO 4217 code.
	ErrUnsupportedCurrency = errors.New("money: unsupported currency")
)

// NormalizeCurrency upper-cases and validates an ISO 4217 code, falling back to DefaultCurrency.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return unit.String(), nil
}

// CurrencyScale returns the number of minor-unit digits for the currency (2 for AUD, 0 for JPY).
func CurrencyScale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// ParsePrice parses a decimal price. Storefront labels such as "12.50 - Large" are accepted and
// only the leading amount is used.
func ParsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, " - "); idx >= 0 {
		raw = strings.TrimSpace(raw[:idx])
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty price", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return value, nil
}

// ValidateLineItems checks every item has a name, a non-negative price and a positive quantity.
func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return ErrNoLineItems
	}
	if len(items) > MaxLineItems {
		return fmt.Errorf("%w: too many items (max %d)", ErrInvalidLineItem, MaxLineItems)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("%w: item %d name is required", ErrInvalidLineItem, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d unit price must be non-negative", ErrInvalidLineItem, i)
		}
		if item.Quantity <= 0 || item.Quantity > MaxItemQuantity {
			return fmt.Errorf("%w: item %d quantity must be between 1 and %d", ErrInvalidLineItem, i, MaxItemQuantity)
		}
	}
	return nil
}

// ComputeTotal returns Σ(unitPrice×quantity) + shipping + tax rounded half-up once, at the end,
// to the minor-unit precision of the currency.
func ComputeTotal(items []LineItem, shipping, tax decimal.Decimal, currencyCode string) (decimal.Decimal, error) {
	amounts, err := ComputeAmounts(items, shipping, tax, currencyCode)
	if err != nil {
		return decimal.Zero, err
	}
	return amounts.Total, nil
}

// ComputeAmounts derives the full monetary breakdown for an order. The total is rounded from the
// exact sum rather than from the individually rounded components.
func ComputeAmounts(items []LineItem, shipping, tax decimal.Decimal, currencyCode string) (Amounts, error) {
	if err := ValidateLineItems(items); err != nil {
		return Amounts{}, err
	}
	if shipping.IsNegative() {
		return Amounts{}, fmt.Errorf("%w: shipping must be non-negative", ErrInvalidAmount)
	}
	if tax.IsNegative() {
		return Amounts{}, fmt.Errorf("%w: tax must be non-negative", ErrInvalidAmount)
	}
	code, err := NormalizeCurrency(currencyCode)
	if err != nil {
		return Amounts{}, err
	}

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	scale := CurrencyScale(code)
	exact := subtotal.Add(shipping).Add(tax)
	if _, err := MinorUnits(exact, code); err != nil {
		return Amounts{}, err
	}

	return Amounts{
		Subtotal: RoundHalfUp(subtotal, scale),
		Shipping: RoundHalfUp(shipping, scale),
		Tax:      RoundHalfUp(tax, scale),
		Total:    RoundHalfUp(exact, scale),
		Currency: code,
	}, nil
}

// RoundHalfUp rounds a non-negative amount to the given number of decimal places with ties going up.
func RoundHalfUp(amount decimal.Decimal, places int32) decimal.Decimal {
	// decimal.Round rounds half away from zero, which is half-up for the non-negative
	// values handled here.
	return amount.Round(places)
}

// MinorUnits converts a major-unit amount into integer minor units (cents for AUD). Amounts that
// are negative or exceed MaxAmountMinor are rejected rather than truncated.
func MinorUnits(amount decimal.Decimal, currencyCode string) (int64, error) {
	scale := CurrencyScale(currencyCode)
	minor := RoundHalfUp(amount, scale).Shift(scale)
	if minor.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	if minor.GreaterThan(decimal.NewFromInt(MaxAmountMinor)) {
		return 0, fmt.Errorf("%w: %s exceeds the maximum charge of %s", ErrInvalidAmount, amount, FromMinorUnits(MaxAmountMinor, currencyCode))
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts integer minor units back into a major-unit decimal.
func FromMinorUnits(minor int64, currencyCode string) decimal.Decimal {
	return decimal.New(minor, -CurrencyScale(currencyCode))
}
