package policy

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/txn"
)

func tokenIx(programIndex uint16, disc byte, accounts []uint16, payload ...byte) solana.CompiledInstruction {
	data := append([]byte{disc}, payload...)
	return solana.CompiledInstruction{
		ProgramIDIndex: programIndex,
		Accounts:       accounts,
		Data:           solana.Base58(data),
	}
}

func amountPayload(amount uint64) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, amount)
	return data
}

func TestSystemTransferFlagDenyAndAllow(t *testing.T) {
	feePayer := randomKey(t)
	keys := []solana.PublicKey{feePayer, randomKey(t), txn.SystemProgramID}
	r := func() *txn.ResolvedTransaction {
		return resolved(t, 1, keys, systemTransferIx(2, 0, 1, 100))
	}

	// Default deny: fee payer as sender is rejected.
	engine := newEngine(t, baseValidation(), nil)
	requireRule(t, engine.Validate(context.Background(), r(), feePayer), "system.transfer")

	// The allow flag is a positive permission.
	cfg := baseValidation()
	cfg.FeePayerPolicy.System.AllowTransfer = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), r(), feePayer))
}

func TestSplCloseAccountFlag(t *testing.T) {
	feePayer := randomKey(t)
	account, dest := randomKey(t), randomKey(t)
	keys := []solana.PublicKey{feePayer, account, dest, txn.TokenProgramID}
	closeIx := tokenIx(3, 9, []uint16{1, 2, 0}) // [account, dest, owner=feePayer]

	engine := newEngine(t, baseValidation(), nil)
	err := engine.Validate(context.Background(), resolved(t, 1, keys, closeIx), feePayer)
	requireRule(t, err, "spl_token.close_account")

	cfg := baseValidation()
	cfg.FeePayerPolicy.SplToken.AllowCloseAccount = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 1, keys, closeIx), feePayer))
}

func TestToken2022FlagsAreSeparateFromSplToken(t *testing.T) {
	feePayer := randomKey(t)
	source, dest := randomKey(t), randomKey(t)
	keys := []solana.PublicKey{feePayer, source, dest, txn.Token2022ProgramID}
	transferIx := tokenIx(3, 3, []uint16{1, 2, 0}, amountPayload(10)...)

	// Allowing the spl_token flag does not allow the token_2022 variant.
	cfg := baseValidation()
	cfg.FeePayerPolicy.SplToken.AllowTransfer = true
	engine := newEngine(t, cfg, nil)
	err := engine.Validate(context.Background(), resolved(t, 1, keys, transferIx), feePayer)
	requireRule(t, err, "token_2022.transfer")

	cfg.FeePayerPolicy.Token2022.AllowTransfer = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 1, keys, transferIx), feePayer))
}

func TestTokenFlagsIgnoreNonFeePayerOwners(t *testing.T) {
	feePayer := randomKey(t)
	owner, source, dest := randomKey(t), randomKey(t), randomKey(t)
	keys := []solana.PublicKey{feePayer, owner, source, dest, txn.TokenProgramID}
	transferIx := tokenIx(4, 3, []uint16{2, 3, 1}, amountPayload(10)...)

	// All flags deny, but the owner is not the fee payer.
	engine := newEngine(t, baseValidation(), nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 2, keys, transferIx), feePayer))
}

func TestNonceAuthorityFlags(t *testing.T) {
	feePayer := randomKey(t)
	nonce := randomKey(t)
	keys := []solana.PublicKey{feePayer, nonce, txn.SysvarRecentBlockhashes, txn.SystemProgramID}

	advanceData := make([]byte, 4)
	binary.LittleEndian.PutUint32(advanceData, 4)
	advanceIx := solana.CompiledInstruction{
		ProgramIDIndex: 3,
		Accounts:       []uint16{1, 2, 0}, // [nonce, recent blockhashes, authority=feePayer]
		Data:           solana.Base58(advanceData),
	}

	engine := newEngine(t, baseValidation(), nil)
	err := engine.Validate(context.Background(), resolved(t, 1, keys, advanceIx), feePayer)
	requireRule(t, err, "system.nonce.advance")

	cfg := baseValidation()
	cfg.FeePayerPolicy.System.Nonce.AllowAdvance = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 1, keys, advanceIx), feePayer))
}

func TestInitializeMultisigSignerFlag(t *testing.T) {
	feePayer := randomKey(t)
	multisig := randomKey(t)
	keys := []solana.PublicKey{feePayer, multisig, txn.SysvarRentID, txn.TokenProgramID}
	// [multisig, rent, signer=feePayer]
	multisigIx := tokenIx(3, 2, []uint16{1, 2, 0}, 1)

	engine := newEngine(t, baseValidation(), nil)
	err := engine.Validate(context.Background(), resolved(t, 1, keys, multisigIx), feePayer)
	requireRule(t, err, "spl_token.initialize_multisig")

	cfg := baseValidation()
	cfg.FeePayerPolicy.SplToken.AllowInitializeMultisig = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 1, keys, multisigIx), feePayer))
}

func TestUnknownInstructionStrictMode(t *testing.T) {
	feePayer := randomKey(t)
	keys := []solana.PublicKey{feePayer, randomKey(t), txn.TokenProgramID}
	bogusIx := tokenIx(2, 200, []uint16{1})

	// Strict by default: unrecognized instructions in an allowed token
	// program are rejected.
	engine := newEngine(t, baseValidation(), nil)
	err := engine.Validate(context.Background(), resolved(t, 1, keys, bogusIx), feePayer)
	requireRule(t, err, RuleUnknownInstr)

	cfg := baseValidation()
	cfg.AllowUnknownInstructions = true
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.Validate(context.Background(), resolved(t, 1, keys, bogusIx), feePayer))
}

func TestValidateFeeToken(t *testing.T) {
	usdc := "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	cfg := baseValidation()
	cfg.AllowedTokens = []string{usdc}
	engine := newEngine(t, cfg, nil)

	assert.NoError(t, engine.ValidateFeeToken(usdc))
	requireRule(t, engine.ValidateFeeToken(randomKey(t).String()), RuleFeeToken)
}

func TestValidatePaidToken(t *testing.T) {
	usdc := solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")

	cfg := baseValidation()
	cfg.AllowedSPLPaidTokens = config.PaidTokens{usdc.String()}
	engine := newEngine(t, cfg, nil)
	assert.NoError(t, engine.ValidatePaidToken(usdc))
	requireRule(t, engine.ValidatePaidToken(randomKey(t)), RulePaidToken)

	cfg.AllowedSPLPaidTokens = config.PaidTokens{"all"}
	engine = newEngine(t, cfg, nil)
	assert.NoError(t, engine.ValidatePaidToken(randomKey(t)))
}
