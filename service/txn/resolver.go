package txn

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/xavierScript/kora-go/service/apierr"
)

// lookupTableMetaSize is the fixed header length of an address-lookup-table
// account; the stored keys follow as packed 32-byte entries.
const lookupTableMetaSize = 56

// AccountSource supplies raw account data for lookup-table resolution. The
// cache layer satisfies this; tests use an in-memory map.
type AccountSource interface {
	AccountData(ctx context.Context, key solana.PublicKey) ([]byte, error)
}

// ResolvedTransaction is a transaction plus its fully-resolved account-key
// list. It is constructed once per request and never mutated; the parsed
// instruction views are computed lazily and shared by the policy engine,
// fee calculator, and payment verifier.
type ResolvedTransaction struct {
	Tx *solana.Transaction

	// AccountKeys is static keys ++ loaded writable ++ loaded readonly.
	AccountKeys []solana.PublicKey

	numStatic         int
	numLoadedWritable int

	mu         sync.Mutex
	systemOnce bool
	systemIns  []SystemInstruction
	tokenOnce  bool
	tokenIns   []TokenInstruction
}

// Resolve flattens a transaction's account keys. Legacy transactions pass
// through with an identity resolution; v0 transactions have each referenced
// lookup table fetched (tables in parallel) and the named indices selected.
func Resolve(ctx context.Context, tx *solana.Transaction, source AccountSource) (*ResolvedTransaction, error) {
	r := &ResolvedTransaction{
		Tx:        tx,
		numStatic: len(tx.Message.AccountKeys),
	}

	lookups := tx.Message.AddressTableLookups
	if !tx.Message.IsVersioned() || len(lookups) == 0 {
		r.AccountKeys = append(r.AccountKeys, tx.Message.AccountKeys...)
		return r, nil
	}

	// Fetch each unique table once.
	tables := make(map[solana.PublicKey][]solana.PublicKey, len(lookups))
	var tableMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[solana.PublicKey]struct{}, len(lookups))
	for _, lookup := range lookups {
		key := lookup.AccountKey
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		g.Go(func() error {
			keys, err := fetchLookupTable(gctx, source, key)
			if err != nil {
				return err
			}
			tableMu.Lock()
			tables[key] = keys
			tableMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.AccountKeys = append(r.AccountKeys, tx.Message.AccountKeys...)
	var writable, readonly []solana.PublicKey
	for _, lookup := range lookups {
		keys := tables[lookup.AccountKey]
		for _, idx := range lookup.WritableIndexes {
			if int(idx) >= len(keys) {
				return nil, apierr.New(apierr.KindResolutionIOFailure,
					"lookup index %d out of range for table %s (%d keys)", idx, lookup.AccountKey, len(keys))
			}
			writable = append(writable, keys[idx])
		}
		for _, idx := range lookup.ReadonlyIndexes {
			if int(idx) >= len(keys) {
				return nil, apierr.New(apierr.KindResolutionIOFailure,
					"lookup index %d out of range for table %s (%d keys)", idx, lookup.AccountKey, len(keys))
			}
			readonly = append(readonly, keys[idx])
		}
	}
	r.AccountKeys = append(r.AccountKeys, writable...)
	r.AccountKeys = append(r.AccountKeys, readonly...)
	r.numLoadedWritable = len(writable)

	return r, nil
}

func fetchLookupTable(ctx context.Context, source AccountSource, table solana.PublicKey) ([]solana.PublicKey, error) {
	data, err := source.AccountData(ctx, table)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindLookupTableMissing, err, "lookup table %s not found", table)
	}
	return parseLookupTableKeys(table, data)
}

func parseLookupTableKeys(table solana.PublicKey, data []byte) ([]solana.PublicKey, error) {
	if len(data) < lookupTableMetaSize {
		return nil, apierr.New(apierr.KindResolutionIOFailure,
			"lookup table %s data too short: %d bytes", table, len(data))
	}
	if typeIndex := binary.LittleEndian.Uint32(data[0:4]); typeIndex != 1 {
		return nil, apierr.New(apierr.KindResolutionIOFailure,
			"account %s is not an initialized lookup table", table)
	}
	body := data[lookupTableMetaSize:]
	if len(body)%solana.PublicKeyLength != 0 {
		return nil, apierr.New(apierr.KindResolutionIOFailure,
			"lookup table %s has truncated key data", table)
	}
	keys := make([]solana.PublicKey, 0, len(body)/solana.PublicKeyLength)
	for off := 0; off < len(body); off += solana.PublicKeyLength {
		keys = append(keys, solana.PublicKeyFromBytes(body[off:off+solana.PublicKeyLength]))
	}
	return keys, nil
}

// FeePayer returns the first account key, which is by definition the
// transaction's fee payer.
func (r *ResolvedTransaction) FeePayer() solana.PublicKey {
	return r.AccountKeys[0]
}

// RequiredSignatures returns the signer count declared in the header.
func (r *ResolvedTransaction) RequiredSignatures() int {
	return int(r.Tx.Message.Header.NumRequiredSignatures)
}

// IsSigner reports whether the account at index i must sign.
func (r *ResolvedTransaction) IsSigner(i int) bool {
	return i >= 0 && i < int(r.Tx.Message.Header.NumRequiredSignatures)
}

// IsWritable reports whether the account at index i is writable, honoring
// both the message header split and the lookup writable/readonly split.
func (r *ResolvedTransaction) IsWritable(i int) bool {
	if i < 0 || i >= len(r.AccountKeys) {
		return false
	}
	h := r.Tx.Message.Header
	if i < r.numStatic {
		if i < int(h.NumRequiredSignatures) {
			return i < int(h.NumRequiredSignatures)-int(h.NumReadonlySignedAccounts)
		}
		return i < r.numStatic-int(h.NumReadonlyUnsignedAccounts)
	}
	return i < r.numStatic+r.numLoadedWritable
}

// Key returns the resolved key for an instruction account index.
func (r *ResolvedTransaction) Key(i uint16) (solana.PublicKey, bool) {
	if int(i) >= len(r.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return r.AccountKeys[i], true
}

// ProgramID returns the program address of a compiled instruction.
func (r *ResolvedTransaction) ProgramID(ins solana.CompiledInstruction) (solana.PublicKey, bool) {
	return r.Key(ins.ProgramIDIndex)
}

// Signers returns the resolved keys that must sign the transaction, fee
// payer first.
func (r *ResolvedTransaction) Signers() []solana.PublicKey {
	n := int(r.Tx.Message.Header.NumRequiredSignatures)
	if n > len(r.AccountKeys) {
		n = len(r.AccountKeys)
	}
	return r.AccountKeys[:n]
}
