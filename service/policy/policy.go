// Package policy implements the transaction validator: the rules engine
// deciding whether a submitted transaction is safe for the operator to
// co-sign. Any ambiguity defaults to rejection.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/metrics"
	"github.com/xavierScript/kora-go/service/txn"
)

// Rule identifiers carried in PolicyRejected errors.
const (
	RuleMaxSignatures    = "max_signatures"
	RuleProgramAllowlist = "program_allowlist"
	RuleAccountDenylist  = "account_denylist"
	RuleMaxLamports      = "max_lamports"
	RuleUnknownInstr     = "unknown_instruction"
	RuleFeeToken         = "fee_token_allowlist"
	RulePaidToken        = "paid_token_allowlist"
	RuleBlockedMintExt   = "token_2022.blocked_mint_extension"
	RuleBlockedAcctExt   = "token_2022.blocked_account_extension"
)

// Engine validates resolved transactions against the operator's policy.
// It is immutable after construction and safe for concurrent use.
type Engine struct {
	cfg *config.ValidationConfig

	allowedPrograms    map[solana.PublicKey]struct{}
	allowedTokens      map[solana.PublicKey]struct{}
	disallowedAccounts map[solana.PublicKey]struct{}

	accounts *cache.Accounts
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine parses the policy's address lists once up front. The accounts
// store backs the Token-2022 extension checks.
func NewEngine(cfg *config.ValidationConfig, accounts *cache.Accounts, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		allowedPrograms:    make(map[solana.PublicKey]struct{}, len(cfg.AllowedPrograms)),
		allowedTokens:      make(map[solana.PublicKey]struct{}, len(cfg.AllowedTokens)),
		disallowedAccounts: make(map[solana.PublicKey]struct{}, len(cfg.DisallowedAccounts)),
		accounts:           accounts,
		metrics:            m,
		logger:             logger,
	}
	for _, addr := range cfg.AllowedPrograms {
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid program address in config: %w", err)
		}
		e.allowedPrograms[pk] = struct{}{}
	}
	for _, addr := range cfg.AllowedTokens {
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed token address: %w", err)
		}
		e.allowedTokens[pk] = struct{}{}
	}
	for _, addr := range cfg.DisallowedAccounts {
		pk, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid disallowed account address: %w", err)
		}
		e.disallowedAccounts[pk] = struct{}{}
	}
	return e, nil
}

// Validate runs every check, in order, against the resolved transaction and
// the fee payer chosen for this request. The first violation is returned as
// a PolicyRejected error carrying its rule id and instruction index.
func (e *Engine) Validate(ctx context.Context, r *txn.ResolvedTransaction, feePayer solana.PublicKey) error {
	if len(r.Tx.Message.Instructions) == 0 {
		return e.reject(apierr.PolicyRejected(RuleProgramAllowlist, -1, "transaction contains no instructions"))
	}

	if err := e.validateSignatures(r); err != nil {
		return err
	}
	if err := e.validatePrograms(r); err != nil {
		return err
	}
	if err := e.validateDisallowedAccounts(r); err != nil {
		return err
	}
	if err := e.validateLamportCap(r, feePayer); err != nil {
		return err
	}
	if err := e.validateFeePayerUsage(r, feePayer); err != nil {
		return err
	}
	if err := e.validateToken2022Extensions(ctx, r); err != nil {
		return err
	}
	return nil
}

func (e *Engine) reject(err *apierr.Error) error {
	if rule, ok := err.Data["rule"].(string); ok {
		e.metrics.RecordPolicyRejection(rule)
	}
	return err
}

func (e *Engine) validateSignatures(r *txn.ResolvedTransaction) error {
	required := r.RequiredSignatures()
	if required == 0 {
		return e.reject(apierr.PolicyRejected(RuleMaxSignatures, -1, "transaction requires no signatures"))
	}
	if uint64(required) > e.cfg.MaxSignatures {
		return e.reject(apierr.PolicyRejected(RuleMaxSignatures, -1,
			"too many signatures: %d > %d", required, e.cfg.MaxSignatures))
	}
	return nil
}

func (e *Engine) validatePrograms(r *txn.ResolvedTransaction) error {
	for i, ins := range r.Tx.Message.Instructions {
		program, ok := r.ProgramID(ins)
		if !ok {
			return e.reject(apierr.PolicyRejected(RuleProgramAllowlist, i,
				"instruction %d has an out-of-range program index", i))
		}
		if _, allowed := e.allowedPrograms[program]; !allowed {
			return e.reject(apierr.PolicyRejected(RuleProgramAllowlist, i,
				"program %s is not in the allowed list", program))
		}
	}
	return nil
}

func (e *Engine) validateDisallowedAccounts(r *txn.ResolvedTransaction) error {
	if len(e.disallowedAccounts) == 0 {
		return nil
	}
	for _, key := range r.AccountKeys {
		if _, denied := e.disallowedAccounts[key]; denied {
			return e.reject(apierr.PolicyRejected(RuleAccountDenylist, -1,
				"account %s is disallowed", key))
		}
	}
	return nil
}

func (e *Engine) validateLamportCap(r *txn.ResolvedTransaction, feePayer solana.PublicKey) error {
	if e.cfg.MaxAllowedLamports == 0 {
		return nil
	}
	var total uint64
	for _, ins := range r.SystemInstructions() {
		switch ins.Op {
		case txn.SystemOpTransfer, txn.SystemOpTransferWithSeed:
			if !ins.Source.Equals(feePayer) {
				continue
			}
		case txn.SystemOpCreateAccount, txn.SystemOpCreateAccountWithSeed:
			if !ins.Funder.Equals(feePayer) {
				continue
			}
		default:
			continue
		}
		if ins.Lamports > e.cfg.MaxAllowedLamports {
			return e.reject(apierr.PolicyRejected(RuleMaxLamports, ins.Index,
				"transfer of %d lamports exceeds maximum allowed %d", ins.Lamports, e.cfg.MaxAllowedLamports))
		}
		next, overflow := checkedAdd(total, ins.Lamports)
		if overflow || next > e.cfg.MaxAllowedLamports {
			return e.reject(apierr.PolicyRejected(RuleMaxLamports, ins.Index,
				"total fee payer outflow exceeds maximum allowed %d", e.cfg.MaxAllowedLamports))
		}
		total = next
	}
	return nil
}

// ValidateFeeToken checks a request's fee token against the allow-list.
func (e *Engine) ValidateFeeToken(mint string) error {
	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return apierr.New(apierr.KindInvalidParams, "invalid fee token mint %q", mint)
	}
	if _, ok := e.allowedTokens[pk]; !ok {
		return e.reject(apierr.PolicyRejected(RuleFeeToken, -1,
			"token %s is not an allowed fee token", mint))
	}
	return nil
}

// ValidatePaidToken checks the mint of a payment transfer against the paid
// token allow-list (or the "all" wildcard).
func (e *Engine) ValidatePaidToken(mint solana.PublicKey) error {
	if e.cfg.AllowedSPLPaidTokens.Has(mint.String()) {
		return nil
	}
	return e.reject(apierr.PolicyRejected(RulePaidToken, -1,
		"token %s is not an accepted payment token", mint))
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}
