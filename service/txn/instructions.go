package txn

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// SystemOp identifies a system-program instruction by its u32 discriminator.
type SystemOp uint32

const (
	SystemOpCreateAccount         SystemOp = 0
	SystemOpAssign                SystemOp = 1
	SystemOpTransfer              SystemOp = 2
	SystemOpCreateAccountWithSeed SystemOp = 3
	SystemOpAdvanceNonce          SystemOp = 4
	SystemOpWithdrawNonce         SystemOp = 5
	SystemOpInitializeNonce       SystemOp = 6
	SystemOpAuthorizeNonce        SystemOp = 7
	SystemOpAllocate              SystemOp = 8
	SystemOpAllocateWithSeed      SystemOp = 9
	SystemOpAssignWithSeed        SystemOp = 10
	SystemOpTransferWithSeed      SystemOp = 11
	SystemOpUpgradeNonce          SystemOp = 12

	SystemOpUnknown SystemOp = 0xffffffff
)

// SystemInstruction is the decoded view of a system-program instruction.
// Only the fields meaningful for the given Op are populated.
type SystemInstruction struct {
	Index    int
	Op       SystemOp
	Lamports uint64

	Source         solana.PublicKey // Transfer, TransferWithSeed sender (WithdrawNonce debits NonceAccount)
	Destination    solana.PublicKey
	Funder         solana.PublicKey // CreateAccount payer
	NewAccount     solana.PublicKey
	Account        solana.PublicKey // Assign / Allocate target (must sign)
	NonceAccount   solana.PublicKey
	NonceAuthority solana.PublicKey
}

// TokenOp identifies an SPL Token / Token-2022 instruction family. Checked
// and unchecked variants of the same operation share an Op.
type TokenOp uint8

const (
	TokenOpInitializeMint TokenOp = iota
	TokenOpInitializeAccount
	TokenOpInitializeMultisig
	TokenOpTransfer
	TokenOpApprove
	TokenOpRevoke
	TokenOpSetAuthority
	TokenOpMintTo
	TokenOpBurn
	TokenOpCloseAccount
	TokenOpFreezeAccount
	TokenOpThawAccount
	TokenOpUnknown
)

// TokenInstruction is the decoded view of a token-program instruction.
type TokenInstruction struct {
	Index     int
	Op        TokenOp
	Token2022 bool
	Checked   bool
	Amount    uint64
	Decimals  uint8

	Source          solana.PublicKey // token account being debited / closed / frozen
	Mint            solana.PublicKey // zero for unchecked transfers
	Destination     solana.PublicKey
	Authority       solana.PublicKey // owner / delegate / current authority
	MintAuthority   solana.PublicKey
	FreezeAuthority solana.PublicKey
	NewOwner        solana.PublicKey // InitializeAccount owner
	MultisigSigners []solana.PublicKey
}

// SystemInstructions decodes all system-program instructions, caching the
// result for subsequent callers.
func (r *ResolvedTransaction) SystemInstructions() []SystemInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.systemOnce {
		return r.systemIns
	}
	r.systemOnce = true
	for i, ins := range r.Tx.Message.Instructions {
		program, ok := r.ProgramID(ins)
		if !ok || !program.Equals(SystemProgramID) {
			continue
		}
		r.systemIns = append(r.systemIns, r.parseSystemInstruction(i, ins))
	}
	return r.systemIns
}

func (r *ResolvedTransaction) parseSystemInstruction(index int, ins solana.CompiledInstruction) SystemInstruction {
	parsed := SystemInstruction{Index: index, Op: SystemOpUnknown}
	data := []byte(ins.Data)
	if len(data) < 4 {
		return parsed
	}
	op := SystemOp(binary.LittleEndian.Uint32(data[0:4]))
	key := func(n int) solana.PublicKey {
		if n < len(ins.Accounts) {
			if k, ok := r.Key(ins.Accounts[n]); ok {
				return k
			}
		}
		return solana.PublicKey{}
	}

	switch op {
	case SystemOpCreateAccount, SystemOpCreateAccountWithSeed:
		if len(data) < 12 || len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = op
		parsed.Lamports = binary.LittleEndian.Uint64(data[4:12])
		parsed.Funder = key(0)
		parsed.NewAccount = key(1)
	case SystemOpTransfer:
		if len(data) < 12 || len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = op
		parsed.Lamports = binary.LittleEndian.Uint64(data[4:12])
		parsed.Source = key(0)
		parsed.Destination = key(1)
	case SystemOpTransferWithSeed:
		if len(data) < 12 || len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = op
		parsed.Lamports = binary.LittleEndian.Uint64(data[4:12])
		parsed.Source = key(1) // base account signs for the derived source
		parsed.Destination = key(2)
	case SystemOpAssign, SystemOpAssignWithSeed:
		if len(ins.Accounts) < 1 {
			return parsed
		}
		parsed.Op = op
		if op == SystemOpAssignWithSeed {
			parsed.Account = key(1)
		} else {
			parsed.Account = key(0)
		}
	case SystemOpAllocate, SystemOpAllocateWithSeed:
		if len(ins.Accounts) < 1 {
			return parsed
		}
		parsed.Op = op
		if op == SystemOpAllocateWithSeed {
			parsed.Account = key(1)
		} else {
			parsed.Account = key(0)
		}
	case SystemOpAdvanceNonce:
		if len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = op
		parsed.NonceAccount = key(0)
		parsed.NonceAuthority = key(2)
	case SystemOpWithdrawNonce:
		if len(data) < 12 || len(ins.Accounts) < 5 {
			return parsed
		}
		parsed.Op = op
		parsed.Lamports = binary.LittleEndian.Uint64(data[4:12])
		parsed.NonceAccount = key(0)
		parsed.Destination = key(1)
		parsed.NonceAuthority = key(4)
	case SystemOpInitializeNonce:
		if len(data) < 36 || len(ins.Accounts) < 1 {
			return parsed
		}
		parsed.Op = op
		parsed.NonceAccount = key(0)
		parsed.NonceAuthority = solana.PublicKeyFromBytes(data[4:36])
	case SystemOpAuthorizeNonce:
		if len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = op
		parsed.NonceAccount = key(0)
		parsed.NonceAuthority = key(1)
	case SystemOpUpgradeNonce:
		parsed.Op = op
		parsed.NonceAccount = key(0)
	}
	return parsed
}

// Raw token-program discriminators.
const (
	tokenIxInitializeMint      = 0
	tokenIxInitializeAccount   = 1
	tokenIxInitializeMultisig  = 2
	tokenIxTransfer            = 3
	tokenIxApprove             = 4
	tokenIxRevoke              = 5
	tokenIxSetAuthority        = 6
	tokenIxMintTo              = 7
	tokenIxBurn                = 8
	tokenIxCloseAccount        = 9
	tokenIxFreezeAccount       = 10
	tokenIxThawAccount         = 11
	tokenIxTransferChecked     = 12
	tokenIxApproveChecked      = 13
	tokenIxMintToChecked       = 14
	tokenIxBurnChecked         = 15
	tokenIxInitializeAccount2  = 16
	tokenIxInitializeAccount3  = 18
	tokenIxInitializeMultisig2 = 19
	tokenIxInitializeMint2     = 20
)

// TokenInstructions decodes all SPL Token and Token-2022 instructions,
// caching the result for subsequent callers.
func (r *ResolvedTransaction) TokenInstructions() []TokenInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokenOnce {
		return r.tokenIns
	}
	r.tokenOnce = true
	for i, ins := range r.Tx.Message.Instructions {
		program, ok := r.ProgramID(ins)
		if !ok {
			continue
		}
		is2022 := program.Equals(Token2022ProgramID)
		if !is2022 && !program.Equals(TokenProgramID) {
			continue
		}
		r.tokenIns = append(r.tokenIns, r.parseTokenInstruction(i, ins, is2022))
	}
	return r.tokenIns
}

func (r *ResolvedTransaction) parseTokenInstruction(index int, ins solana.CompiledInstruction, is2022 bool) TokenInstruction {
	parsed := TokenInstruction{Index: index, Op: TokenOpUnknown, Token2022: is2022}
	data := []byte(ins.Data)
	if len(data) == 0 {
		return parsed
	}
	key := func(n int) solana.PublicKey {
		if n < len(ins.Accounts) {
			if k, ok := r.Key(ins.Accounts[n]); ok {
				return k
			}
		}
		return solana.PublicKey{}
	}
	amount := func(off int) (uint64, bool) {
		if len(data) < off+8 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(data[off : off+8]), true
	}

	switch data[0] {
	case tokenIxTransfer:
		amt, ok := amount(1)
		if !ok || len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpTransfer
		parsed.Amount = amt
		parsed.Source = key(0)
		parsed.Destination = key(1)
		parsed.Authority = key(2)
	case tokenIxTransferChecked:
		amt, ok := amount(1)
		if !ok || len(data) < 10 || len(ins.Accounts) < 4 {
			return parsed
		}
		parsed.Op = TokenOpTransfer
		parsed.Checked = true
		parsed.Amount = amt
		parsed.Decimals = data[9]
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.Destination = key(2)
		parsed.Authority = key(3)
	case tokenIxApprove:
		amt, ok := amount(1)
		if !ok || len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpApprove
		parsed.Amount = amt
		parsed.Source = key(0)
		parsed.Destination = key(1) // delegate
		parsed.Authority = key(2)
	case tokenIxApproveChecked:
		amt, ok := amount(1)
		if !ok || len(data) < 10 || len(ins.Accounts) < 4 {
			return parsed
		}
		parsed.Op = TokenOpApprove
		parsed.Checked = true
		parsed.Amount = amt
		parsed.Decimals = data[9]
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.Destination = key(2) // delegate
		parsed.Authority = key(3)
	case tokenIxRevoke:
		if len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = TokenOpRevoke
		parsed.Source = key(0)
		parsed.Authority = key(1)
	case tokenIxSetAuthority:
		if len(data) < 2 || len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = TokenOpSetAuthority
		parsed.Source = key(0)
		parsed.Authority = key(1) // current authority
	case tokenIxMintTo, tokenIxMintToChecked:
		amt, ok := amount(1)
		if !ok || len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpMintTo
		parsed.Checked = data[0] == tokenIxMintToChecked
		parsed.Amount = amt
		parsed.Mint = key(0)
		parsed.Destination = key(1)
		parsed.MintAuthority = key(2)
	case tokenIxBurn, tokenIxBurnChecked:
		amt, ok := amount(1)
		if !ok || len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpBurn
		parsed.Checked = data[0] == tokenIxBurnChecked
		parsed.Amount = amt
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.Authority = key(2)
	case tokenIxCloseAccount:
		if len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpCloseAccount
		parsed.Source = key(0)
		parsed.Destination = key(1)
		parsed.Authority = key(2)
	case tokenIxFreezeAccount, tokenIxThawAccount:
		if len(ins.Accounts) < 3 {
			return parsed
		}
		if data[0] == tokenIxFreezeAccount {
			parsed.Op = TokenOpFreezeAccount
		} else {
			parsed.Op = TokenOpThawAccount
		}
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.FreezeAuthority = key(2)
	case tokenIxInitializeMint, tokenIxInitializeMint2:
		if len(data) < 34 || len(ins.Accounts) < 1 {
			return parsed
		}
		parsed.Op = TokenOpInitializeMint
		parsed.Mint = key(0)
		parsed.Decimals = data[1]
		parsed.MintAuthority = solana.PublicKeyFromBytes(data[2:34])
	case tokenIxInitializeAccount:
		if len(ins.Accounts) < 3 {
			return parsed
		}
		parsed.Op = TokenOpInitializeAccount
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.NewOwner = key(2)
	case tokenIxInitializeAccount2, tokenIxInitializeAccount3:
		if len(data) < 33 || len(ins.Accounts) < 2 {
			return parsed
		}
		parsed.Op = TokenOpInitializeAccount
		parsed.Source = key(0)
		parsed.Mint = key(1)
		parsed.NewOwner = solana.PublicKeyFromBytes(data[1:33])
	case tokenIxInitializeMultisig, tokenIxInitializeMultisig2:
		first := 2 // multisig account, rent sysvar, then signers
		if data[0] == tokenIxInitializeMultisig2 {
			first = 1
		}
		if len(ins.Accounts) <= first {
			return parsed
		}
		parsed.Op = TokenOpInitializeMultisig
		parsed.Source = key(0)
		for n := first; n < len(ins.Accounts); n++ {
			parsed.MultisigSigners = append(parsed.MultisigSigners, key(n))
		}
	}
	return parsed
}

// Compute-budget program discriminators.
const (
	computeBudgetIxSetLimit = 2
	computeBudgetIxSetPrice = 3
)

// ComputeBudget is the transaction's declared compute budget.
type ComputeBudget struct {
	UnitLimit uint32
	UnitPrice uint64 // micro-lamports per compute unit
	HasLimit  bool
	HasPrice  bool
}

// ComputeBudgetInstructions scans for SetComputeUnitLimit and
// SetComputeUnitPrice declarations.
func (r *ResolvedTransaction) ComputeBudgetInstructions() ComputeBudget {
	var cb ComputeBudget
	for _, ins := range r.Tx.Message.Instructions {
		program, ok := r.ProgramID(ins)
		if !ok || !program.Equals(ComputeBudgetProgramID) {
			continue
		}
		data := []byte(ins.Data)
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case computeBudgetIxSetLimit:
			if len(data) >= 5 {
				cb.UnitLimit = binary.LittleEndian.Uint32(data[1:5])
				cb.HasLimit = true
			}
		case computeBudgetIxSetPrice:
			if len(data) >= 9 {
				cb.UnitPrice = binary.LittleEndian.Uint64(data[1:9])
				cb.HasPrice = true
			}
		}
	}
	return cb
}
