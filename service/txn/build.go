package txn

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// ATAFor derives the associated token account of owner for mint under the
// given token program.
func ATAFor(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		AssociatedTokenProgramID,
	)
	return ata, err
}

// NewSystemTransfer builds a native SOL transfer instruction.
func NewSystemTransfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], uint32(SystemOpTransfer))
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return solana.NewInstruction(
		SystemProgramID,
		solana.AccountMetaSlice{
			solana.Meta(from).WRITE().SIGNER(),
			solana.Meta(to).WRITE(),
		},
		data,
	)
}

// NewTokenTransferChecked builds a TransferChecked instruction for either
// token program. The checked variant is always used so the mint travels
// with the instruction.
func NewTokenTransferChecked(tokenProgram, source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = tokenIxTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(
		tokenProgram,
		solana.AccountMetaSlice{
			solana.Meta(source).WRITE(),
			solana.Meta(mint),
			solana.Meta(destination).WRITE(),
			solana.Meta(owner).SIGNER(),
		},
		data,
	)
}

// NewCreateATA builds the instruction creating owner's associated token
// account for mint, funded by payer. The idempotent variant is used so an
// already-existing account is a no-op instead of a failure.
func NewCreateATA(payer, owner, ata, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		AssociatedTokenProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{1}, // CreateIdempotent
	)
}
