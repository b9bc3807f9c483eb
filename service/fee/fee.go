// Package fee computes what a transaction costs the operator and verifies
// that the caller has paid for it in an accepted token.
package fee

import (
	"context"
	"log/slog"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/metrics"
	"github.com/xavierScript/kora-go/service/oracle"
	"github.com/xavierScript/kora-go/service/txn"
)

const (
	// LamportsPerSignature is the chain's base fee per required signature.
	LamportsPerSignature = 5_000

	// estimatedPaymentInstructionFee covers the marginal cost of the
	// payment instruction a client will append after estimating.
	estimatedPaymentInstructionFee = 50

	// defaultComputeUnitLimit is the conservative ceiling assumed when a
	// transaction declares a price but no limit.
	defaultComputeUnitLimit = 200_000
)

// EpochSource supplies the current epoch for Token-2022 transfer-fee
// schedules.
type EpochSource interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// Breakdown itemizes an estimate's lamport components.
type Breakdown struct {
	BaseFee               uint64 `json:"base_fee"`
	PriorityFee           uint64 `json:"priority_fee"`
	SignatureFee          uint64 `json:"signature_fee"`
	FeePayerOutflow       uint64 `json:"fee_payer_outflow"`
	TransferFee           uint64 `json:"transfer_fee"`
	PaymentInstructionFee uint64 `json:"payment_instruction_fee"`
}

// Estimate is the fee quote for one request. It is valid only against the
// oracle quote observed when it was computed.
type Estimate struct {
	Lamports   uint64
	TokenUnits uint64
	FeeToken   solana.PublicKey
	Breakdown  Breakdown
	HasPayment bool
}

// Calculator derives fee estimates from resolved transactions. Immutable
// and safe for concurrent use.
type Calculator struct {
	cfg      *config.ValidationConfig
	oracle   *oracle.Retrying
	accounts *cache.Accounts
	epochs   EpochSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCalculator wires the calculator's dependencies.
func NewCalculator(cfg *config.ValidationConfig, o *oracle.Retrying, accounts *cache.Accounts, epochs EpochSource, m *metrics.Metrics, logger *slog.Logger) *Calculator {
	return &Calculator{
		cfg:      cfg,
		oracle:   o,
		accounts: accounts,
		epochs:   epochs,
		metrics:  m,
		logger:   logger,
	}
}

// Estimate computes the fee for a resolved transaction under the configured
// price model. feeToken may be zero, in which case no token conversion is
// performed. paymentAddress is the operator destination used to recognize
// payment transfers already present in the transaction.
func (c *Calculator) Estimate(ctx context.Context, r *txn.ResolvedTransaction, feePayer, paymentAddress solana.PublicKey, feeToken solana.PublicKey) (*Estimate, error) {
	paymentRequired := c.cfg.IsPaymentRequired()

	switch c.cfg.Price.Type {
	case config.PriceModelFree:
		return &Estimate{FeeToken: feeToken}, nil

	case config.PriceModelFixed:
		fixedLamports, err := c.fixedPriceLamports(ctx)
		if err != nil {
			return nil, err
		}
		est := &Estimate{Lamports: fixedLamports, FeeToken: feeToken}
		if c.cfg.Price.Strict {
			// Strict mode still reports the true cost breakdown while
			// charging the fixed amount.
			raw, err := c.rawEstimate(ctx, r, feePayer, paymentAddress, paymentRequired)
			if err != nil {
				return nil, err
			}
			est.Breakdown = raw.Breakdown
			est.HasPayment = raw.HasPayment
		} else {
			hasPayment, _, err := c.scanPayments(ctx, r, paymentAddress)
			if err != nil {
				return nil, err
			}
			est.HasPayment = hasPayment
		}
		if err := c.fillTokenUnits(ctx, est, feeToken); err != nil {
			return nil, err
		}
		c.metrics.RecordFeeEstimate(c.cfg.Price.Type, est.Lamports)
		return est, nil

	default: // margin
		raw, err := c.rawEstimate(ctx, r, feePayer, paymentAddress, paymentRequired)
		if err != nil {
			return nil, err
		}
		withMargin, err := applyMargin(raw.Lamports, c.cfg.Price.Margin)
		if err != nil {
			return nil, err
		}
		raw.Lamports = withMargin
		if err := c.fillTokenUnits(ctx, raw, feeToken); err != nil {
			return nil, err
		}
		c.metrics.RecordFeeEstimate(c.cfg.Price.Type, raw.Lamports)
		return raw, nil
	}
}

// rawEstimate sums the unpriced lamport components: base signature fee,
// extra operator signature fee, declared compute-budget priority fee,
// fee-payer outflow, Token-2022 transfer fees on payment transfers, and the
// surcharge for a payment instruction still to be added.
func (c *Calculator) rawEstimate(ctx context.Context, r *txn.ResolvedTransaction, feePayer, paymentAddress solana.PublicKey, paymentRequired bool) (*Estimate, error) {
	est := &Estimate{}

	base, err := baseFee(r)
	if err != nil {
		return nil, err
	}
	est.Breakdown.BaseFee = base

	// An extra signature lands on the wire when the operator key is not
	// already among the declared signers.
	if !containsKey(r.Signers(), feePayer) {
		est.Breakdown.SignatureFee = LamportsPerSignature
	}

	est.Breakdown.PriorityFee = priorityFee(r)

	outflow, err := c.feePayerOutflow(ctx, r, feePayer)
	if err != nil {
		return nil, err
	}
	est.Breakdown.FeePayerOutflow = outflow

	hasPayment, transferFees, err := c.scanPayments(ctx, r, paymentAddress)
	if err != nil {
		return nil, err
	}
	est.HasPayment = hasPayment
	est.Breakdown.TransferFee = transferFees

	if paymentRequired && !hasPayment {
		est.Breakdown.PaymentInstructionFee = estimatedPaymentInstructionFee
	}

	total := uint64(0)
	for _, part := range []uint64{
		est.Breakdown.BaseFee,
		est.Breakdown.SignatureFee,
		est.Breakdown.PriorityFee,
		est.Breakdown.FeePayerOutflow,
		est.Breakdown.TransferFee,
		est.Breakdown.PaymentInstructionFee,
	} {
		if total, err = checkedAdd(total, part); err != nil {
			return nil, err
		}
	}
	est.Lamports = total
	return est, nil
}

// feePayerOutflow totals what the fee payer disburses inside the
// transaction: native transfers it sends, accounts it funds, and nonce
// withdrawals it authorizes, net of lamports flowing back to it, plus
// fee-payer-authored token transfers valued in lamports at the current
// oracle quote (netted per mint against transfers into the fee payer's
// own token accounts).
func (c *Calculator) feePayerOutflow(ctx context.Context, r *txn.ResolvedTransaction, feePayer solana.PublicKey) (uint64, error) {
	var total uint64
	var err error

	for _, ins := range r.SystemInstructions() {
		switch ins.Op {
		case txn.SystemOpTransfer, txn.SystemOpTransferWithSeed:
			if ins.Source.Equals(feePayer) {
				if total, err = checkedAdd(total, ins.Lamports); err != nil {
					return 0, err
				}
			}
			if ins.Destination.Equals(feePayer) {
				total = saturatingSub(total, ins.Lamports)
			}
		case txn.SystemOpCreateAccount, txn.SystemOpCreateAccountWithSeed:
			if ins.Funder.Equals(feePayer) {
				if total, err = checkedAdd(total, ins.Lamports); err != nil {
					return 0, err
				}
			}
		case txn.SystemOpWithdrawNonce:
			if ins.NonceAuthority.Equals(feePayer) {
				if total, err = checkedAdd(total, ins.Lamports); err != nil {
					return 0, err
				}
			}
			if ins.Destination.Equals(feePayer) {
				total = saturatingSub(total, ins.Lamports)
			}
		}
	}

	type mintFlow struct{ out, in uint64 }
	flows := make(map[solana.PublicKey]*mintFlow)
	flowFor := func(mint solana.PublicKey) *mintFlow {
		f, ok := flows[mint]
		if !ok {
			f = &mintFlow{}
			flows[mint] = f
		}
		return f
	}

	// Unchecked transfers carry no mint and cannot be valued; only checked
	// transfers participate in the netting.
	for _, ins := range r.TokenInstructions() {
		if ins.Op != txn.TokenOpTransfer || ins.Mint.IsZero() {
			continue
		}
		if ins.Authority.Equals(feePayer) {
			f := flowFor(ins.Mint)
			if f.out, err = checkedAdd(f.out, ins.Amount); err != nil {
				return 0, err
			}
			continue
		}
		if ins.Destination.IsZero() {
			continue
		}
		inflow, err := c.isFeePayerInflow(ctx, ins, feePayer)
		if err != nil {
			return 0, err
		}
		if inflow {
			f := flowFor(ins.Mint)
			if f.in, err = checkedAdd(f.in, ins.Amount); err != nil {
				return 0, err
			}
		}
	}

	for mint, f := range flows {
		if f.out <= f.in {
			continue
		}
		value, err := c.TokenToLamports(ctx, f.out-f.in, mint)
		if err != nil {
			return 0, err
		}
		if total, err = checkedAdd(total, value); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// isFeePayerInflow reports whether a transfer lands in a token account the
// fee payer owns. A destination that does not exist yet still counts when
// it is the fee payer's ATA for the mint (created inside this transaction).
func (c *Calculator) isFeePayerInflow(ctx context.Context, ins txn.TokenInstruction, feePayer solana.PublicKey) (bool, error) {
	dest, err := c.accounts.Get(ctx, ins.Destination, false)
	if err != nil {
		if !chain.IsNotFound(err) {
			return false, apierr.Wrap(apierr.KindResolutionIOFailure, err,
				"failed to fetch transfer destination %s", ins.Destination)
		}
		for _, program := range []solana.PublicKey{txn.TokenProgramID, txn.Token2022ProgramID} {
			ata, err := txn.ATAFor(feePayer, ins.Mint, program)
			if err != nil {
				continue
			}
			if ata.Equals(ins.Destination) {
				return true, nil
			}
		}
		return false, nil
	}
	token, err := txn.UnpackTokenAccount(dest.Data)
	if err != nil {
		return false, nil
	}
	return token.Owner.Equals(feePayer), nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func baseFee(r *txn.ResolvedTransaction) (uint64, error) {
	hi, fee := bits.Mul64(uint64(r.RequiredSignatures()), LamportsPerSignature)
	if hi != 0 {
		return 0, apierr.New(apierr.KindFeeOverflow, "base fee overflow")
	}
	return fee, nil
}

// priorityFee is ceil(limit × price / 1e6) micro-lamport-per-CU bids. A
// declared price with no limit assumes the conservative default ceiling.
func priorityFee(r *txn.ResolvedTransaction) uint64 {
	cb := r.ComputeBudgetInstructions()
	if !cb.HasPrice || cb.UnitPrice == 0 {
		return 0
	}
	limit := uint64(defaultComputeUnitLimit)
	if cb.HasLimit {
		limit = uint64(cb.UnitLimit)
	}
	hi, lo := bits.Mul64(limit, cb.UnitPrice)
	fee, rem := bits.Div64(hi, lo, 1_000_000)
	if rem > 0 {
		fee++
	}
	return fee
}

// scanPayments walks token transfers looking for payments to the operator,
// returning whether one exists and the total Token-2022 transfer fees the
// payments will incur.
func (c *Calculator) scanPayments(ctx context.Context, r *txn.ResolvedTransaction, paymentAddress solana.PublicKey) (bool, uint64, error) {
	hasPayment := false
	var transferFees uint64

	for _, ins := range r.TokenInstructions() {
		if ins.Op != txn.TokenOpTransfer || ins.Destination.IsZero() {
			continue
		}
		dest, err := c.accounts.Get(ctx, ins.Destination, false)
		if err != nil {
			if chain.IsNotFound(err) {
				continue
			}
			return false, 0, apierr.Wrap(apierr.KindResolutionIOFailure, err,
				"failed to fetch payment destination %s", ins.Destination)
		}
		token, err := txn.UnpackTokenAccount(dest.Data)
		if err != nil {
			continue
		}
		if !token.Owner.Equals(paymentAddress) {
			continue
		}
		hasPayment = true

		if ins.Token2022 {
			fee, err := c.token2022TransferFee(ctx, token.Mint, ins.Amount)
			if err != nil {
				return false, 0, err
			}
			if transferFees, err = checkedAdd(transferFees, fee); err != nil {
				return false, 0, err
			}
		}
	}
	return hasPayment, transferFees, nil
}

func (c *Calculator) token2022TransferFee(ctx context.Context, mint solana.PublicKey, amount uint64) (uint64, error) {
	acct, err := c.accounts.Get(ctx, mint, false)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindResolutionIOFailure, err, "failed to fetch mint %s", mint)
	}
	cfg, ok := txn.FindTransferFeeConfig(acct.Data)
	if !ok {
		return 0, nil
	}
	epoch, err := c.epochs.CurrentEpoch(ctx)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindResolutionIOFailure, err, "failed to fetch current epoch")
	}
	return cfg.FeeFor(amount, epoch), nil
}

// fixedPriceLamports converts the configured fixed token amount into
// lamports at the current oracle quote.
func (c *Calculator) fixedPriceLamports(ctx context.Context) (uint64, error) {
	mint := solana.MustPublicKeyFromBase58(c.cfg.Price.Token)
	price, decimals, err := c.quote(ctx, mint)
	if err != nil {
		return 0, err
	}
	return tokenToLamports(c.cfg.Price.Amount, price, decimals)
}

// LamportsToToken converts a lamport fee into base units of the given mint
// at the current oracle quote, rounding up.
func (c *Calculator) LamportsToToken(ctx context.Context, lamports uint64, mint solana.PublicKey) (uint64, error) {
	price, decimals, err := c.quote(ctx, mint)
	if err != nil {
		return 0, err
	}
	return lamportsToToken(lamports, price, decimals)
}

// TokenToLamports values token base units in lamports at the current
// oracle quote, rounding down.
func (c *Calculator) TokenToLamports(ctx context.Context, amount uint64, mint solana.PublicKey) (uint64, error) {
	price, decimals, err := c.quote(ctx, mint)
	if err != nil {
		return 0, err
	}
	return tokenToLamports(amount, price, decimals)
}

func (c *Calculator) quote(ctx context.Context, mint solana.PublicKey) (decimal.Decimal, uint8, error) {
	decimals, err := c.accounts.MintDecimals(ctx, mint)
	if err != nil {
		return decimal.Decimal{}, 0, apierr.Wrap(apierr.KindResolutionIOFailure, err, "failed to fetch mint decimals")
	}
	quote, err := c.oracle.GetPrice(ctx, mint.String())
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	return quote.Price, decimals, nil
}

func (c *Calculator) fillTokenUnits(ctx context.Context, est *Estimate, feeToken solana.PublicKey) error {
	if feeToken.IsZero() || est.Lamports == 0 {
		return nil
	}
	// When the fixed price is denominated in the requested fee token, the
	// configured amount is returned untouched.
	if c.cfg.Price.Type == config.PriceModelFixed && feeToken.String() == c.cfg.Price.Token {
		est.TokenUnits = c.cfg.Price.Amount
		return nil
	}
	units, err := c.LamportsToToken(ctx, est.Lamports, feeToken)
	if err != nil {
		return err
	}
	est.TokenUnits = units
	return nil
}

func applyMargin(lamports uint64, margin float64) (uint64, error) {
	if margin == 0 {
		return lamports, nil
	}
	multiplied := decimal.NewFromUint64(lamports).Mul(decimal.NewFromFloat(1 + margin)).Ceil()
	return decimalToUint64(multiplied)
}

func containsKey(keys []solana.PublicKey, want solana.PublicKey) bool {
	for _, k := range keys {
		if k.Equals(want) {
			return true
		}
	}
	return false
}
