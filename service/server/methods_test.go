package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/events"
	"github.com/xavierScript/kora-go/service/fee"
	"github.com/xavierScript/kora-go/service/oracle"
	"github.com/xavierScript/kora-go/service/policy"
	"github.com/xavierScript/kora-go/service/signer"
	"github.com/xavierScript/kora-go/service/txn"
	"github.com/xavierScript/kora-go/service/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockChain fakes the chain surface the handlers touch.
type mockChain struct {
	blockhash   solana.Hash
	submitErr   error
	simulateErr error
	submitted   []*solana.Transaction
}

func (m *mockChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return m.blockhash, nil
}

func (m *mockChain) Simulate(_ context.Context, _ *solana.Transaction, _ bool) error {
	return m.simulateErr
}

func (m *mockChain) Submit(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if m.submitErr != nil {
		return solana.Signature{}, m.submitErr
	}
	m.submitted = append(m.submitted, tx)
	return tx.Signatures[0], nil
}

func (m *mockChain) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return 1_000_000_000, nil
}

type mockFetcher struct {
	accounts map[solana.PublicKey]*chain.Account
}

func (m *mockFetcher) GetAccount(_ context.Context, key solana.PublicKey) (*chain.Account, error) {
	account, ok := m.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return account, nil
}

type harness struct {
	server    *Server
	operator  solana.PrivateKey
	chain     *mockChain
	publisher *events.MockPublisher
	cfg       *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config), fetcher *mockFetcher) *harness {
	t.Helper()
	operator, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	t.Setenv("KORA_TEST_OPERATOR_KEY", operator.String())

	cfg := config.Default()
	cfg.Validation.MaxSignatures = 10
	cfg.Validation.PriceSource = "mock"
	cfg.Validation.AllowedPrograms = []string{
		txn.SystemProgramID.String(),
		txn.TokenProgramID.String(),
		txn.MemoProgramID.String(),
	}
	cfg.Validation.Price = config.PriceConfig{Type: config.PriceModelFree}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	poolCfg := &config.SignerPoolConfig{
		SignerPool: config.SignerPoolSettings{Strategy: config.StrategyRoundRobin},
		Signers: []config.SignerConfig{{
			Name:          "operator",
			Type:          config.SignerTypeMemory,
			PrivateKeyEnv: "KORA_TEST_OPERATOR_KEY",
		}},
	}
	pool, err := signer.NewPool(context.Background(), poolCfg, cfg.Kora.PaymentAddress, testLogger())
	require.NoError(t, err)

	if fetcher == nil {
		fetcher = &mockFetcher{}
	}
	accounts := cache.NewAccounts(cache.NewMemory(64), fetcher, time.Minute, nil, testLogger())
	engine, err := policy.NewEngine(&cfg.Validation, accounts, nil, testLogger())
	require.NoError(t, err)
	o := oracle.NewRetrying(oracle.NewMock(), 1, time.Millisecond)

	mc := &mockChain{blockhash: solana.Hash(operator.PublicKey())}
	calculator := fee.NewCalculator(&cfg.Validation, o, accounts, fixedEpoch(0), nil, testLogger())
	verifier := fee.NewVerifier(&cfg.Validation, calculator, accounts, engine, nil, testLogger())
	limiter := usage.NewLimiter(&cfg.Kora.UsageLimit, usage.NewMemoryStore(), testLogger())
	publisher := events.NewMockPublisher()

	srv := New(":0", cfg, Deps{
		Pool:       pool,
		Engine:     engine,
		Calculator: calculator,
		Verifier:   verifier,
		Accounts:   accounts,
		Chain:      mc,
		Usage:      limiter,
		Publisher:  publisher,
	}, testLogger())

	return &harness{server: srv, operator: operator, chain: mc, publisher: publisher, cfg: cfg}
}

type fixedEpoch uint64

func (e fixedEpoch) CurrentEpoch(context.Context) (uint64, error) { return uint64(e), nil }

// call posts a JSON-RPC request straight at the handler.
func (h *harness) call(t *testing.T, method string, params any) (json.RawMessage, *rpcError) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.handleRPC(rec, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Result, resp.Error
}

// memoTransaction builds a base64 memo transaction with the given payer.
func memoTransaction(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	memo := solana.NewInstruction(txn.MemoProgramID, solana.AccountMetaSlice{}, []byte("gm"))
	tx, err := solana.NewTransaction([]solana.Instruction{memo}, solana.Hash{}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	encoded, err := txn.EncodeTransactionBase64(tx)
	require.NoError(t, err)
	return encoded
}

func TestLiveness(t *testing.T) {
	h := newHarness(t, nil, nil)
	result, rpcErr := h.call(t, "liveness", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, `"ok"`, string(result))
}

func TestMethodNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, rpcErr := h.call(t, "mintMoney", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindMethodNotFound), rpcErr.Code)
}

func TestMethodDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Kora.EnabledMethods.GetBlockhash = false
	}, nil)
	_, rpcErr := h.call(t, "getBlockhash", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindMethodDisabled), rpcErr.Code)
}

func TestGetConfig(t *testing.T) {
	h := newHarness(t, nil, nil)
	result, rpcErr := h.call(t, "getConfig", nil)
	require.Nil(t, rpcErr)

	var parsed getConfigResponse
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, []string{h.operator.PublicKey().String()}, parsed.FeePayers)
	assert.Equal(t, "free", parsed.ValidationConfig.PriceModel)
	assert.Contains(t, parsed.EnabledMethods, "signTransaction")
}

func TestGetPayerSigner(t *testing.T) {
	h := newHarness(t, nil, nil)
	result, rpcErr := h.call(t, "getPayerSigner", nil)
	require.Nil(t, rpcErr)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, h.operator.PublicKey().String(), parsed["signer_address"])
	assert.Equal(t, h.operator.PublicKey().String(), parsed["payment_address"])
}

func TestGetPayerSignerUnknownKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, rpcErr := h.call(t, "getPayerSigner", map[string]any{"signer_key": "nope"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindUnknownSigner), rpcErr.Code)
}

func TestSignTransactionReturnsVerifiableSignature(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, rpcErr := h.call(t, "signTransaction", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
	})
	require.Nil(t, rpcErr)

	result, rpcErr := h.call(t, "signTransaction", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
	})
	require.Nil(t, rpcErr)

	var parsed struct {
		SignedTransaction string `json:"signed_transaction"`
		SignerPubkey      string `json:"signer_pubkey"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, h.operator.PublicKey().String(), parsed.SignerPubkey)

	signed, err := txn.DecodeBase64Transaction(parsed.SignedTransaction)
	require.NoError(t, err)
	message, err := signed.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, signed.Signatures[0].Verify(h.operator.PublicKey(), message),
		"returned payload must verify under the operator's public key")

	// Signing events were published for both calls.
	assert.Len(t, h.publisher.Events(), 2)
}

func TestSignTransactionRejectsDisallowedProgram(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Validation.AllowedPrograms = []string{txn.SystemProgramID.String()}
	}, nil)

	_, rpcErr := h.call(t, "signTransaction", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindPolicyRejected), rpcErr.Code)
	assert.Equal(t, "program_allowlist", rpcErr.Data["rule"])
}

func TestSignAndSendSubmits(t *testing.T) {
	h := newHarness(t, nil, nil)

	result, rpcErr := h.call(t, "signAndSendTransaction", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
	})
	require.Nil(t, rpcErr)

	var parsed struct {
		Signature         string `json:"signature"`
		SignedTransaction string `json:"signed_transaction"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.NotEmpty(t, parsed.Signature)
	assert.Len(t, h.chain.submitted, 1)
}

func TestSignAndSendSurfacesSubmitRejection(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.chain.submitErr = assert.AnError

	_, rpcErr := h.call(t, "signAndSendTransaction", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindSubmitRejected), rpcErr.Code)
}

func TestSignTransactionMalformedWire(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, rpcErr := h.call(t, "signTransaction", map[string]any{
		"transaction": "AAAA",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindMalformedWire), rpcErr.Code)
}

func TestEstimateTransactionFee(t *testing.T) {
	usdc := solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	mintData := make([]byte, 82)
	mintData[44] = 6
	mintData[45] = 1
	fetcher := &mockFetcher{accounts: map[solana.PublicKey]*chain.Account{
		usdc: {Owner: txn.TokenProgramID, Data: mintData},
	}}

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Validation.Price = config.PriceConfig{Type: config.PriceModelMargin}
		cfg.Validation.AllowedTokens = []string{usdc.String()}
	}, fetcher)

	result, rpcErr := h.call(t, "estimateTransactionFee", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
		"fee_token":   usdc.String(),
	})
	require.Nil(t, rpcErr)

	var parsed struct {
		FeeInLamports uint64 `json:"fee_in_lamports"`
		FeeInToken    uint64 `json:"fee_in_token"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	// 5000 base + 50 payment surcharge = 5050 lamports; at 0.0001
	// SOL/USDC with 6 decimals that is 50_500 token units.
	assert.Equal(t, uint64(5_050), parsed.FeeInLamports)
	assert.Equal(t, uint64(50_500), parsed.FeeInToken)
}

func TestEstimateRequiresAllowedFeeToken(t *testing.T) {
	h := newHarness(t, nil, nil)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	_, rpcErr := h.call(t, "estimateTransactionFee", map[string]any{
		"transaction": memoTransaction(t, h.operator.PublicKey()),
		"fee_token":   other.PublicKey().String(),
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, int(apierr.KindPolicyRejected), rpcErr.Code)
}

func TestTransferTransactionSOL(t *testing.T) {
	h := newHarness(t, nil, nil)
	source, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	dest, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	result, rpcErr := h.call(t, "transferTransaction", map[string]any{
		"amount":      uint64(1_000),
		"token":       txn.SystemProgramID.String(),
		"source":      source.PublicKey().String(),
		"destination": dest.PublicKey().String(),
	})
	require.Nil(t, rpcErr)

	var parsed struct {
		Transaction  string `json:"transaction"`
		Blockhash    string `json:"blockhash"`
		SignerPubkey string `json:"signer_pubkey"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, h.operator.PublicKey().String(), parsed.SignerPubkey)

	tx, err := txn.DecodeBase64Transaction(parsed.Transaction)
	require.NoError(t, err)
	assert.Equal(t, h.operator.PublicKey(), tx.Message.AccountKeys[0],
		"operator is the fee payer of the built transaction")
}

func TestRequestEnvelopeValidation(t *testing.T) {
	h := newHarness(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.server.handleRPC(rec, req)

	var resp struct {
		Error *rpcError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(apierr.KindParseError), resp.Error.Code)
}
