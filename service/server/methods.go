package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/events"
	"github.com/xavierScript/kora-go/service/fee"
	"github.com/xavierScript/kora-go/service/signer"
	"github.com/xavierScript/kora-go/service/txn"
	"github.com/xavierScript/kora-go/service/usage"
)

func (s *Server) handleLiveness(context.Context, json.RawMessage) (any, error) {
	return "ok", nil
}

type getConfigResponse struct {
	FeePayers        []string         `json:"fee_payers"`
	ValidationConfig validationView   `json:"validation_config"`
	EnabledMethods   []string         `json:"enabled_methods"`
}

type validationView struct {
	MaxAllowedLamports   uint64            `json:"max_allowed_lamports"`
	MaxSignatures        uint64            `json:"max_signatures"`
	PriceSource          string            `json:"price_source"`
	AllowedPrograms      []string          `json:"allowed_programs"`
	AllowedTokens        []string          `json:"allowed_tokens"`
	AllowedSPLPaidTokens []string          `json:"allowed_spl_paid_tokens"`
	AnyPaidTokenAllowed  bool              `json:"any_paid_token_allowed"`
	DisallowedAccounts   []string          `json:"disallowed_accounts"`
	PriceModel           string            `json:"price_model"`
	FeePayerPolicy       any               `json:"fee_payer_policy"`
	Token2022            token2022View     `json:"token_2022"`
}

type token2022View struct {
	BlockedMintExtensions    []string `json:"blocked_mint_extensions"`
	BlockedAccountExtensions []string `json:"blocked_account_extensions"`
}

func (s *Server) handleGetConfig(context.Context, json.RawMessage) (any, error) {
	v := &s.cfg.Validation
	return getConfigResponse{
		FeePayers: s.pool.Addresses(),
		ValidationConfig: validationView{
			MaxAllowedLamports:   v.MaxAllowedLamports,
			MaxSignatures:        v.MaxSignatures,
			PriceSource:          v.PriceSource,
			AllowedPrograms:      v.AllowedPrograms,
			AllowedTokens:        v.AllowedTokens,
			AllowedSPLPaidTokens: v.AllowedSPLPaidTokens.Tokens(),
			AnyPaidTokenAllowed:  v.AllowedSPLPaidTokens.All(),
			DisallowedAccounts:   v.DisallowedAccounts,
			PriceModel:           v.Price.Type,
			FeePayerPolicy:       v.FeePayerPolicy,
			Token2022: token2022View{
				BlockedMintExtensions:    v.Token2022.BlockedMintExtensions,
				BlockedAccountExtensions: v.Token2022.BlockedAccountExtensions,
			},
		},
		EnabledMethods: s.cfg.Kora.EnabledMethods.Names(),
	}, nil
}

type signerSelector struct {
	SignerKey string `json:"signer_key"`
}

func (s *Server) handleGetPayerSigner(_ context.Context, params json.RawMessage) (any, error) {
	var p signerSelector
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	entry, err := s.pool.Select(p.SignerKey)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"signer_address":  entry.PublicKey().String(),
		"payment_address": entry.PaymentAddress.String(),
	}, nil
}

func (s *Server) handleGetBlockhash(ctx context.Context, _ json.RawMessage) (any, error) {
	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to fetch blockhash")
	}
	return map[string]string{"blockhash": blockhash.String()}, nil
}

func (s *Server) handleGetSupportedTokens(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"tokens": s.cfg.Validation.AllowedTokens}, nil
}

type estimateFeeParams struct {
	Transaction string `json:"transaction"`
	FeeToken    string `json:"fee_token"`
	SignerKey   string `json:"signer_key"`
	SigVerify   bool   `json:"sig_verify"`
}

func (s *Server) handleEstimateTransactionFee(ctx context.Context, params json.RawMessage) (any, error) {
	var p estimateFeeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.FeeToken == "" {
		return nil, apierr.New(apierr.KindInvalidParams, "fee_token is required")
	}
	if err := s.engine.ValidateFeeToken(p.FeeToken); err != nil {
		return nil, err
	}
	feeToken, err := solana.PublicKeyFromBase58(p.FeeToken)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidParams, "invalid fee_token mint %q", p.FeeToken)
	}

	entry, resolved, err := s.prepare(ctx, p.Transaction, p.SignerKey)
	if err != nil {
		return nil, err
	}
	estimate, err := s.calculator.Estimate(ctx, resolved, entry.PublicKey(), entry.PaymentAddress, feeToken)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"fee_in_lamports": estimate.Lamports,
		"fee_in_token":    estimate.TokenUnits,
		"signer_pubkey":   entry.PublicKey().String(),
		"payment_address": entry.PaymentAddress.String(),
	}, nil
}

type signParams struct {
	Transaction string `json:"transaction"`
	SignerKey   string `json:"signer_key"`
	SigVerify   bool   `json:"sig_verify"`
}

func (s *Server) handleSignTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	var p signParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	entry, signed, estimate, err := s.signPipeline(ctx, p.Transaction, p.SignerKey, p.SigVerify)
	if err != nil {
		return nil, err
	}
	encoded, err := txn.EncodeTransactionBase64(signed)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransactionSigned(entry.Name, false)
	s.publishEvent(ctx, entry, signed, estimate, "signTransaction", false)
	return map[string]any{
		"signed_transaction": encoded,
		"signer_pubkey":      entry.PublicKey().String(),
	}, nil
}

func (s *Server) handleSignAndSendTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	var p signParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	entry, signed, estimate, err := s.signPipeline(ctx, p.Transaction, p.SignerKey, p.SigVerify)
	if err != nil {
		return nil, err
	}
	encoded, err := txn.EncodeTransactionBase64(signed)
	if err != nil {
		return nil, err
	}

	signature, err := s.chain.Submit(ctx, signed)
	if err != nil {
		return nil, apierr.SubmitRejected(err)
	}

	s.metrics.RecordTransactionSigned(entry.Name, true)
	s.publishEvent(ctx, entry, signed, estimate, "signAndSendTransaction", true)
	return map[string]any{
		"signature":          signature.String(),
		"signed_transaction": encoded,
		"signer_pubkey":      entry.PublicKey().String(),
	}, nil
}

type transferParams struct {
	Amount      uint64 `json:"amount"`
	Token       string `json:"token"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	SignerKey   string `json:"signer_key"`
}

// handleTransferTransaction constructs (but does not sign) a transfer
// transaction with the operator as fee payer. This is the client-side
// constructor for payment instructions; the verifier never injects
// payments server-side.
func (s *Server) handleTransferTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	var p transferParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Amount == 0 {
		return nil, apierr.New(apierr.KindInvalidParams, "amount must be positive")
	}
	source, err := solana.PublicKeyFromBase58(p.Source)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidParams, "invalid source address %q", p.Source)
	}
	destination, err := solana.PublicKeyFromBase58(p.Destination)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidParams, "invalid destination address %q", p.Destination)
	}
	token, err := solana.PublicKeyFromBase58(p.Token)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidParams, "invalid token mint %q", p.Token)
	}
	entry, err := s.pool.Select(p.SignerKey)
	if err != nil {
		return nil, err
	}

	var instructions []solana.Instruction
	if token.Equals(txn.SystemProgramID) || token.Equals(txn.NativeSOLMint) {
		instructions = append(instructions, txn.NewSystemTransfer(source, destination, p.Amount))
	} else {
		if err := s.engine.ValidateFeeToken(p.Token); err != nil {
			return nil, err
		}
		tokenInstructions, err := s.buildTokenTransfer(ctx, entry, source, destination, token, p.Amount)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, tokenInstructions...)
	}

	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to fetch blockhash")
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(entry.PublicKey()))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to build transaction")
	}

	encoded, err := txn.EncodeTransactionBase64(tx)
	if err != nil {
		return nil, err
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to serialize message")
	}

	return map[string]any{
		"transaction":   encoded,
		"message":       base64.StdEncoding.EncodeToString(message),
		"blockhash":     blockhash.String(),
		"signer_pubkey": entry.PublicKey().String(),
	}, nil
}

// buildTokenTransfer assembles a checked token transfer between the ATAs of
// source and destination, creating the destination ATA when it is missing.
func (s *Server) buildTokenTransfer(ctx context.Context, entry *signer.Entry, source, destination, mint solana.PublicKey, amount uint64) ([]solana.Instruction, error) {
	mintAcct, err := s.accounts.Get(ctx, mint, false)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindResolutionIOFailure, err, "failed to fetch mint %s", mint)
	}
	tokenProgram := txn.TokenProgramID
	if mintAcct.Owner.Equals(txn.Token2022ProgramID) {
		tokenProgram = txn.Token2022ProgramID
	}
	parsedMint, err := txn.UnpackMint(mintAcct.Data)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidParams, "account %s is not a token mint", mint)
	}

	sourceATA, err := txn.ATAFor(source, mint, tokenProgram)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to derive source token account")
	}
	destinationATA, err := txn.ATAFor(destination, mint, tokenProgram)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to derive destination token account")
	}

	var instructions []solana.Instruction
	if _, err := s.accounts.Get(ctx, destinationATA, false); err != nil {
		if !chain.IsNotFound(err) {
			return nil, apierr.Wrap(apierr.KindResolutionIOFailure, err,
				"failed to fetch destination token account")
		}
		instructions = append(instructions,
			txn.NewCreateATA(entry.PublicKey(), destination, destinationATA, mint, tokenProgram))
	}

	instructions = append(instructions,
		txn.NewTokenTransferChecked(tokenProgram, sourceATA, mint, destinationATA, source, amount, parsedMint.Decimals))
	return instructions, nil
}

// prepare runs the shared front half of the pipeline: decode, resolve, and
// policy validation against the selected signer.
func (s *Server) prepare(ctx context.Context, txB64, signerKey string) (*signer.Entry, *txn.ResolvedTransaction, error) {
	entry, err := s.pool.Select(signerKey)
	if err != nil {
		return nil, nil, err
	}
	tx, err := txn.DecodeBase64Transaction(txB64)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := txn.Resolve(ctx, tx, s.accounts)
	if err != nil {
		return nil, nil, err
	}
	if err := s.engine.Validate(ctx, resolved, entry.PublicKey()); err != nil {
		return nil, nil, err
	}
	return entry, resolved, nil
}

// signPipeline is the full signing path: prepare, fee, payment
// verification, usage limiting, simulation, and finally the signature.
func (s *Server) signPipeline(ctx context.Context, txB64, signerKey string, sigVerify bool) (*signer.Entry, *solana.Transaction, *fee.Estimate, error) {
	entry, resolved, err := s.prepare(ctx, txB64, signerKey)
	if err != nil {
		return nil, nil, nil, err
	}

	estimate, err := s.calculator.Estimate(ctx, resolved, entry.PublicKey(), entry.PaymentAddress, solana.PublicKey{})
	if err != nil {
		return nil, nil, nil, err
	}

	if s.cfg.Validation.IsPaymentRequired() {
		if err := s.verifier.Verify(ctx, resolved, entry.PaymentAddress, entry.PublicKey(), estimate.Lamports); err != nil {
			return nil, nil, nil, err
		}
	}

	if wallet, ok := usage.WalletFor(resolved, entry.PublicKey()); ok {
		if err := s.usage.CheckAndIncrement(ctx, wallet); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := s.chain.Simulate(ctx, resolved.Tx, sigVerify); err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.KindInvalidRequest, err, "transaction simulation failed")
	}

	if err := signer.SignTransaction(ctx, entry.Signer, resolved.Tx); err != nil {
		return nil, nil, nil, err
	}
	return entry, resolved.Tx, estimate, nil
}

func (s *Server) publishEvent(ctx context.Context, entry *signer.Entry, tx *solana.Transaction, estimate *fee.Estimate, method string, submitted bool) {
	if s.publisher == nil {
		return
	}
	signature := ""
	if len(tx.Signatures) > 0 {
		signature = tx.Signatures[0].String()
	}
	event := &events.SigningEvent{
		Signature:   signature,
		Signer:      entry.PublicKey().String(),
		Method:      method,
		FeeLamports: estimate.Lamports,
		Submitted:   submitted,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.publisher.PublishSigningEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish signing event",
			"method", method, "error", err)
	}
}
