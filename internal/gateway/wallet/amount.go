package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse wallet amount %q: %w", s, err)
	}
	return d, nil
}
