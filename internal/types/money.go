// README: Common money value object used across modules.
package types

// Money is an amount in whole currency units.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) IsZero() bool {
	return m.Amount == 0 && m.Currency == ""
}
