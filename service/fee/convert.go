package fee

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/xavierScript/kora-go/service/apierr"
)

const lamportsPerSOL = 1_000_000_000

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// lamportsToToken converts a lamport amount into base units of a token with
// the given decimals, at a price quoted in SOL per whole token. The result
// is rounded up so the operator is never short-changed by truncation.
func lamportsToToken(lamports uint64, price decimal.Decimal, decimals uint8) (uint64, error) {
	if price.Sign() <= 0 {
		return 0, apierr.New(apierr.KindOracleUnavailable, "non-positive token price %s", price)
	}
	scale := decimal.New(1, int32(decimals))
	sol := decimal.New(lamportsPerSOL, 0)

	// (lamports × 10^decimals) / (1e9 × price), multiplying before
	// dividing to preserve precision.
	amount := decimal.NewFromUint64(lamports).Mul(scale).Div(sol.Mul(price)).Ceil()
	return decimalToUint64(amount)
}

// tokenToLamports converts token base units into lamports at a price quoted
// in SOL per whole token, rounding down.
func tokenToLamports(amount uint64, price decimal.Decimal, decimals uint8) (uint64, error) {
	if price.Sign() < 0 {
		return 0, apierr.New(apierr.KindOracleUnavailable, "negative token price %s", price)
	}
	scale := decimal.New(1, int32(decimals))
	sol := decimal.New(lamportsPerSOL, 0)

	// (amount × price × 1e9) / 10^decimals, multiplying before dividing.
	lamports := decimal.NewFromUint64(amount).Mul(price).Mul(sol).Div(scale).Floor()
	return decimalToUint64(lamports)
}

func decimalToUint64(d decimal.Decimal) (uint64, error) {
	if d.Sign() < 0 {
		return 0, apierr.New(apierr.KindFeeOverflow, "negative fee conversion result")
	}
	i := d.BigInt()
	if i.Cmp(maxUint64) > 0 {
		return 0, apierr.New(apierr.KindFeeOverflow, "fee conversion overflows u64")
	}
	return i.Uint64(), nil
}

// checkedAdd adds two lamport amounts, failing with FeeOverflow on wrap.
func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, apierr.New(apierr.KindFeeOverflow, "fee calculation overflow")
	}
	return sum, nil
}
