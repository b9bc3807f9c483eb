package fee

import (
	"context"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/metrics"
	"github.com/xavierScript/kora-go/service/txn"
)

// PaidTokenChecker validates the mint of a payment transfer against the
// operator's paid-token allow-list.
type PaidTokenChecker interface {
	ValidatePaidToken(mint solana.PublicKey) error
}

// Verifier confirms that a transaction carries token payments to the
// operator worth at least the computed fee. It never mutates the
// transaction; the client-side transferTransaction method is the only
// payment constructor.
type Verifier struct {
	cfg        *config.ValidationConfig
	calculator *Calculator
	accounts   *cache.Accounts
	paidTokens PaidTokenChecker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewVerifier wires the verifier's dependencies.
func NewVerifier(cfg *config.ValidationConfig, calc *Calculator, accounts *cache.Accounts, paidTokens PaidTokenChecker, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		cfg:        cfg,
		calculator: calc,
		accounts:   accounts,
		paidTokens: paidTokens,
		metrics:    m,
		logger:     logger,
	}
}

// Verify checks that token transfers into token accounts owned by
// paymentAddress are worth at least requiredLamports at the current oracle
// quote. Multiple qualifying payments are summed. The transfer's authority
// must not be the operator's own fee payer.
func (v *Verifier) Verify(ctx context.Context, r *txn.ResolvedTransaction, paymentAddress, feePayer solana.PublicKey, requiredLamports uint64) error {
	if requiredLamports == 0 {
		return nil
	}

	found := false
	var totalLamports uint64

	for _, ins := range r.TokenInstructions() {
		if ins.Op != txn.TokenOpTransfer || ins.Destination.IsZero() {
			continue
		}
		dest, err := v.accounts.Get(ctx, ins.Destination, false)
		if err != nil {
			if chain.IsNotFound(err) {
				continue
			}
			return apierr.Wrap(apierr.KindResolutionIOFailure, err,
				"failed to fetch payment destination %s", ins.Destination)
		}
		token, err := txn.UnpackTokenAccount(dest.Data)
		if err != nil {
			continue
		}
		if !token.Owner.Equals(paymentAddress) {
			continue
		}
		// A payment signed by the operator's own key pays nobody.
		if ins.Authority.Equals(feePayer) {
			continue
		}
		if err := v.paidTokens.ValidatePaidToken(token.Mint); err != nil {
			v.metrics.RecordPaymentRejection("disallowed_token")
			return err
		}

		found = true
		value, err := v.calculator.TokenToLamports(ctx, ins.Amount, token.Mint)
		if err != nil {
			return err
		}
		if totalLamports, err = checkedAdd(totalLamports, value); err != nil {
			return err
		}

		v.logger.DebugContext(ctx, "found payment transfer",
			"mint", token.Mint.String(),
			"amount", ins.Amount,
			"lamport_value", value,
			"instruction", ins.Index,
		)
	}

	if !found {
		v.metrics.RecordPaymentRejection("missing")
		return apierr.New(apierr.KindPaymentMissing,
			"transaction carries no payment to %s", paymentAddress)
	}
	if totalLamports < requiredLamports {
		v.metrics.RecordPaymentRejection("insufficient")
		return apierr.New(apierr.KindPaymentInsufficient,
			"payment of %d lamports is below the required %d", totalLamports, requiredLamports)
	}
	return nil
}
