package txn

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

// Base account sizes for the token programs. Token-2022 appends an account
// type byte and TLV-encoded extensions after the base layout.
const (
	tokenAccountBaseSize = 165
	mintBaseSize         = 82
	accountTypeOffset    = 165
	tlvStartOffset       = 166
)

// TokenAccount is the unpacked base layout of an SPL / Token-2022 token
// account.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
	Frozen bool
}

// UnpackTokenAccount parses the 165-byte base token-account layout.
func UnpackTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < tokenAccountBaseSize {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	return &TokenAccount{
		Mint:   solana.PublicKeyFromBytes(data[0:32]),
		Owner:  solana.PublicKeyFromBytes(data[32:64]),
		Amount: binary.LittleEndian.Uint64(data[64:72]),
		Frozen: data[108] == 2, // AccountState::Frozen
	}, nil
}

// Mint is the unpacked base layout of a token mint.
type Mint struct {
	Supply          uint64
	Decimals        uint8
	Initialized     bool
	MintAuthority   *solana.PublicKey
	FreezeAuthority *solana.PublicKey
}

// UnpackMint parses the 82-byte base mint layout.
func UnpackMint(data []byte) (*Mint, error) {
	if len(data) < mintBaseSize {
		return nil, fmt.Errorf("mint data too short: %d bytes", len(data))
	}
	m := &Mint{
		Supply:      binary.LittleEndian.Uint64(data[36:44]),
		Decimals:    data[44],
		Initialized: data[45] == 1,
	}
	if binary.LittleEndian.Uint32(data[0:4]) == 1 {
		pk := solana.PublicKeyFromBytes(data[4:36])
		m.MintAuthority = &pk
	}
	if binary.LittleEndian.Uint32(data[46:50]) == 1 {
		pk := solana.PublicKeyFromBytes(data[50:82])
		m.FreezeAuthority = &pk
	}
	return m, nil
}

// ExtensionType is a Token-2022 TLV extension discriminator.
type ExtensionType uint16

const (
	ExtensionUninitialized                 ExtensionType = 0
	ExtensionTransferFeeConfig             ExtensionType = 1
	ExtensionTransferFeeAmount             ExtensionType = 2
	ExtensionMintCloseAuthority            ExtensionType = 3
	ExtensionConfidentialTransferMint      ExtensionType = 4
	ExtensionConfidentialTransferAccount   ExtensionType = 5
	ExtensionDefaultAccountState           ExtensionType = 6
	ExtensionImmutableOwner                ExtensionType = 7
	ExtensionMemoTransfer                  ExtensionType = 8
	ExtensionNonTransferable               ExtensionType = 9
	ExtensionInterestBearingConfig         ExtensionType = 10
	ExtensionCpiGuard                      ExtensionType = 11
	ExtensionPermanentDelegate             ExtensionType = 12
	ExtensionNonTransferableAccount        ExtensionType = 13
	ExtensionTransferHook                  ExtensionType = 14
	ExtensionTransferHookAccount           ExtensionType = 15
	ExtensionConfidentialTransferFeeConfig ExtensionType = 16
	ExtensionConfidentialTransferFeeAmount ExtensionType = 17
	ExtensionMetadataPointer               ExtensionType = 18
	ExtensionTokenMetadata                 ExtensionType = 19
	ExtensionGroupPointer                  ExtensionType = 20
	ExtensionTokenGroup                    ExtensionType = 21
	ExtensionGroupMemberPointer            ExtensionType = 22
	ExtensionTokenGroupMember              ExtensionType = 23
	ExtensionConfidentialMintBurn          ExtensionType = 24
	ExtensionScaledUiAmount                ExtensionType = 25
	ExtensionPausable                      ExtensionType = 26
	ExtensionPausableAccount               ExtensionType = 27
)

var mintExtensionNames = map[string]ExtensionType{
	"transfer_fee_config":              ExtensionTransferFeeConfig,
	"mint_close_authority":             ExtensionMintCloseAuthority,
	"confidential_transfer_mint":       ExtensionConfidentialTransferMint,
	"confidential_mint_burn":           ExtensionConfidentialMintBurn,
	"default_account_state":            ExtensionDefaultAccountState,
	"non_transferable":                 ExtensionNonTransferable,
	"interest_bearing_config":          ExtensionInterestBearingConfig,
	"permanent_delegate":               ExtensionPermanentDelegate,
	"transfer_hook":                    ExtensionTransferHook,
	"confidential_transfer_fee_config": ExtensionConfidentialTransferFeeConfig,
	"metadata_pointer":                 ExtensionMetadataPointer,
	"token_metadata":                   ExtensionTokenMetadata,
	"group_pointer":                    ExtensionGroupPointer,
	"token_group":                      ExtensionTokenGroup,
	"group_member_pointer":             ExtensionGroupMemberPointer,
	"token_group_member":               ExtensionTokenGroupMember,
	"scaled_ui_amount":                 ExtensionScaledUiAmount,
	"pausable":                         ExtensionPausable,
}

var accountExtensionNames = map[string]ExtensionType{
	"transfer_fee_amount":              ExtensionTransferFeeAmount,
	"confidential_transfer_account":    ExtensionConfidentialTransferAccount,
	"immutable_owner":                  ExtensionImmutableOwner,
	"memo_transfer":                    ExtensionMemoTransfer,
	"cpi_guard":                        ExtensionCpiGuard,
	"non_transferable_account":         ExtensionNonTransferableAccount,
	"transfer_hook_account":            ExtensionTransferHookAccount,
	"confidential_transfer_fee_amount": ExtensionConfidentialTransferFeeAmount,
	"pausable_account":                 ExtensionPausableAccount,
}

// ParseMintExtensionName maps a config string to a mint extension type.
func ParseMintExtensionName(name string) (ExtensionType, bool) {
	ext, ok := mintExtensionNames[name]
	return ext, ok
}

// ParseAccountExtensionName maps a config string to a token-account
// extension type.
func ParseAccountExtensionName(name string) (ExtensionType, bool) {
	ext, ok := accountExtensionNames[name]
	return ext, ok
}

// MintExtensionNames lists the accepted mint extension config strings.
func MintExtensionNames() []string {
	names := make([]string, 0, len(mintExtensionNames))
	for name := range mintExtensionNames {
		names = append(names, name)
	}
	return names
}

// AccountExtensionNames lists the accepted account extension config strings.
func AccountExtensionNames() []string {
	names := make([]string, 0, len(accountExtensionNames))
	for name := range accountExtensionNames {
		names = append(names, name)
	}
	return names
}

// ExtensionTypes walks the TLV section of a Token-2022 mint or token
// account and returns the present extension discriminators. Base-layout
// accounts (plain SPL Token) return nil.
func ExtensionTypes(data []byte) []ExtensionType {
	if len(data) <= tlvStartOffset {
		return nil
	}
	var exts []ExtensionType
	off := tlvStartOffset
	for off+4 <= len(data) {
		ext := ExtensionType(binary.LittleEndian.Uint16(data[off : off+2]))
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		if ext == ExtensionUninitialized {
			break
		}
		exts = append(exts, ext)
		off += 4 + length
	}
	return exts
}

// findExtension returns the value bytes of the given TLV extension.
func findExtension(data []byte, want ExtensionType) ([]byte, bool) {
	if len(data) <= tlvStartOffset {
		return nil, false
	}
	off := tlvStartOffset
	for off+4 <= len(data) {
		ext := ExtensionType(binary.LittleEndian.Uint16(data[off : off+2]))
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		if ext == ExtensionUninitialized {
			break
		}
		if ext == want {
			if off+4+length > len(data) {
				return nil, false
			}
			return data[off+4 : off+4+length], true
		}
		off += 4 + length
	}
	return nil, false
}

// TransferFee is one epoch-scheduled fee entry of the transfer-fee-config
// extension.
type TransferFee struct {
	Epoch       uint64
	MaxFee      uint64
	BasisPoints uint16
}

// TransferFeeConfig is the transfer-fee-config mint extension.
type TransferFeeConfig struct {
	Older TransferFee
	Newer TransferFee
}

const transferFeeConfigSize = 108

// FindTransferFeeConfig extracts the transfer-fee-config extension from a
// mint's account data, if present.
func FindTransferFeeConfig(mintData []byte) (*TransferFeeConfig, bool) {
	value, ok := findExtension(mintData, ExtensionTransferFeeConfig)
	if !ok || len(value) < transferFeeConfigSize {
		return nil, false
	}
	parseEntry := func(b []byte) TransferFee {
		return TransferFee{
			Epoch:       binary.LittleEndian.Uint64(b[0:8]),
			MaxFee:      binary.LittleEndian.Uint64(b[8:16]),
			BasisPoints: binary.LittleEndian.Uint16(b[16:18]),
		}
	}
	return &TransferFeeConfig{
		Older: parseEntry(value[72:90]),
		Newer: parseEntry(value[90:108]),
	}, true
}

// FeeFor computes the fee withheld on a transfer of amount at the given
// epoch: ceil(amount × bps / 10_000), capped at the entry's MaxFee.
func (c *TransferFeeConfig) FeeFor(amount, epoch uint64) uint64 {
	entry := c.Older
	if epoch >= c.Newer.Epoch {
		entry = c.Newer
	}
	if entry.BasisPoints == 0 {
		return 0
	}
	// 128-bit intermediate: amount × bps cannot overflow.
	hi, lo := bits.Mul64(amount, uint64(entry.BasisPoints))
	fee, rem := bits.Div64(hi, lo, 10_000)
	if rem > 0 {
		fee++
	}
	if fee > entry.MaxFee {
		return entry.MaxFee
	}
	return fee
}
