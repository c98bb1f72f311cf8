package ledger

import (
	"github.com/shopspring/decimal"
)

// Split is one gross amount divided between platform and author.
type Split struct {
	Gross int64
	Fee   int64
	Net   int64
}

// SplitFee computes fee = round(amount * percent / 100), rounding half away
// from zero, and net = amount - fee. Net is derived by subtraction so the
// split always sums to the gross amount.
func SplitFee(amountCents int64, feePercent decimal.Decimal) (Split, error) {
	if amountCents < 0 {
		return Split{}, invariantf("negative amount %d", amountCents)
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(decimal.NewFromInt(100)) {
		return Split{}, invariantf("fee percent %s out of range", feePercent.String())
	}

	fee := decimal.NewFromInt(amountCents).Mul(feePercent).Shift(-2).Round(0).IntPart()
	s := Split{Gross: amountCents, Fee: fee, Net: amountCents - fee}
	if err := s.Validate(); err != nil {
		return Split{}, err
	}
	return s, nil
}

func (s Split) Validate() error {
	if s.Fee < 0 || s.Fee > s.Gross || s.Net < 0 {
		return invariantf("fee %d outside [0, %d]", s.Fee, s.Gross)
	}
	if s.Fee+s.Net != s.Gross {
		return invariantf("fee %d + net %d != gross %d", s.Fee, s.Net, s.Gross)
	}
	return nil
}

// PlatformOnly books the whole amount as platform revenue (reader premium).
func PlatformOnly(amountCents int64) (Split, error) {
	if amountCents < 0 {
		return Split{}, invariantf("negative amount %d", amountCents)
	}
	return Split{Gross: amountCents, Fee: amountCents, Net: 0}, nil
}
