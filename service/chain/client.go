// Package chain wraps the Solana RPC client behind an interface so the
// signing pipeline can be tested without hitting real nodes.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/xavierScript/kora-go/service/metrics"
)

// RPCClient is the subset of the Solana RPC surface the service needs.
type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetEpochInfo(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetEpochInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

// Account is the chain-derived state the pipeline consumes. Only public
// account state ever flows through here.
type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Client provides domain-level chain operations over an RPCClient.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string
}

// NewClient creates a chain client. The endpoint string is used only for
// metrics labeling. If m is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// NewRPC dials a standard JSON-RPC endpoint.
func NewRPC(endpoint string) RPCClient {
	return rpc.New(endpoint)
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// GetAccount fetches an account's current state. A nil value with no error
// never happens; missing accounts surface the RPC's not-found error.
func (c *Client) GetAccount(ctx context.Context, key solana.PublicKey) (*Account, error) {
	start := time.Now()
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	c.record("GetAccountInfo", start, err)
	if err != nil {
		c.logger.DebugContext(ctx, "account fetch failed", "account", key.String(), "error", err)
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, rpc.ErrNotFound
	}
	acct := &Account{
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
	}
	if out.Value.Data != nil {
		acct.Data = out.Value.Data.GetBinary()
	}
	return acct, nil
}

// LatestBlockhash returns the current confirmed blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	c.record("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

// Balance returns an account's lamport balance.
func (c *Client) Balance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	start := time.Now()
	out, err := c.rpc.GetBalance(ctx, key, rpc.CommitmentConfirmed)
	c.record("GetBalance", start, err)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

// CurrentEpoch returns the chain's current epoch, needed to pick the active
// transfer-fee schedule on Token-2022 mints.
func (c *Client) CurrentEpoch(ctx context.Context) (uint64, error) {
	start := time.Now()
	out, err := c.rpc.GetEpochInfo(ctx, rpc.CommitmentConfirmed)
	c.record("GetEpochInfo", start, err)
	if err != nil {
		return 0, err
	}
	return out.Epoch, nil
}

// Simulate runs the transaction through the node's simulator. sigVerify is
// a hint passed straight through to the RPC.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, sigVerify bool) error {
	start := time.Now()
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  sigVerify,
		Commitment: rpc.CommitmentConfirmed,
		// The node replaces the blockhash when signatures are not checked,
		// so stale client blockhashes do not fail the simulation.
		ReplaceRecentBlockhash: !sigVerify,
	})
	c.record("SimulateTransaction", start, err)
	if err != nil {
		return err
	}
	if out.Value != nil && out.Value.Err != nil {
		return &SimulationError{Err: out.Value.Err, Logs: out.Value.Logs}
	}
	return nil
}

// Submit broadcasts a signed transaction, skipping the node-side preflight
// since the pipeline already simulated.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	c.record("SendTransaction", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "transaction submission failed", "error", err)
		return solana.Signature{}, err
	}
	return sig, nil
}

// IsNotFound reports whether err is the RPC's account-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, rpc.ErrNotFound)
}

// SimulationError carries the chain's structured simulation failure.
type SimulationError struct {
	Err  any
	Logs []string
}

func (e *SimulationError) Error() string {
	return "transaction simulation failed"
}
