package policy

import (
	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/txn"
)

// validateFeePayerUsage enforces the per-instruction permission matrix:
// wherever the fee payer appears in a sensitive role, the matching policy
// flag must be set. Flags default to deny.
func (e *Engine) validateFeePayerUsage(r *txn.ResolvedTransaction, feePayer solana.PublicKey) error {
	for _, ins := range r.SystemInstructions() {
		if err := e.checkSystemInstruction(ins, feePayer); err != nil {
			return err
		}
	}
	for _, ins := range r.TokenInstructions() {
		if err := e.checkTokenInstruction(ins, feePayer); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkSystemInstruction(ins txn.SystemInstruction, feePayer solana.PublicKey) error {
	p := &e.cfg.FeePayerPolicy.System
	deny := func(rule, role string) error {
		return e.reject(apierr.PolicyRejected("system."+rule, ins.Index,
			"fee payer is not allowed to be the %s in a system %s instruction", role, rule))
	}

	switch ins.Op {
	case txn.SystemOpTransfer, txn.SystemOpTransferWithSeed:
		if ins.Source.Equals(feePayer) && !p.AllowTransfer {
			return deny("transfer", "sender")
		}
	case txn.SystemOpAssign, txn.SystemOpAssignWithSeed:
		if ins.Account.Equals(feePayer) && !p.AllowAssign {
			return deny("assign", "assigned account")
		}
	case txn.SystemOpCreateAccount, txn.SystemOpCreateAccountWithSeed:
		if ins.Funder.Equals(feePayer) && !p.AllowCreateAccount {
			return deny("create_account", "funder")
		}
	case txn.SystemOpAllocate, txn.SystemOpAllocateWithSeed:
		if ins.Account.Equals(feePayer) && !p.AllowAllocate {
			return deny("allocate", "allocated account")
		}
	case txn.SystemOpInitializeNonce:
		if ins.NonceAuthority.Equals(feePayer) && !p.Nonce.AllowInitialize {
			return deny("nonce.initialize", "nonce authority")
		}
	case txn.SystemOpAdvanceNonce:
		if ins.NonceAuthority.Equals(feePayer) && !p.Nonce.AllowAdvance {
			return deny("nonce.advance", "nonce authority")
		}
	case txn.SystemOpWithdrawNonce:
		if ins.NonceAuthority.Equals(feePayer) && !p.Nonce.AllowWithdraw {
			return deny("nonce.withdraw", "nonce authority")
		}
	case txn.SystemOpAuthorizeNonce:
		if ins.NonceAuthority.Equals(feePayer) && !p.Nonce.AllowAuthorize {
			return deny("nonce.authorize", "nonce authority")
		}
	case txn.SystemOpUpgradeNonce:
		// No authority parameter; nothing to check.
	case txn.SystemOpUnknown:
		if !e.cfg.AllowUnknownInstructions {
			return e.reject(apierr.PolicyRejected(RuleUnknownInstr, ins.Index,
				"unrecognized system program instruction at index %d", ins.Index))
		}
	}
	return nil
}

func (e *Engine) checkTokenInstruction(ins txn.TokenInstruction, feePayer solana.PublicKey) error {
	var p *config.TokenPolicy
	program := "spl_token"
	if ins.Token2022 {
		p = &e.cfg.FeePayerPolicy.Token2022
		program = "token_2022"
	} else {
		p = &e.cfg.FeePayerPolicy.SplToken
	}
	deny := func(rule, role string) error {
		return e.reject(apierr.PolicyRejected(program+"."+rule, ins.Index,
			"fee payer is not allowed to be the %s in a %s %s instruction", role, program, rule))
	}

	switch ins.Op {
	case txn.TokenOpTransfer:
		if ins.Authority.Equals(feePayer) && !p.AllowTransfer {
			return deny("transfer", "owner")
		}
	case txn.TokenOpBurn:
		if ins.Authority.Equals(feePayer) && !p.AllowBurn {
			return deny("burn", "owner")
		}
	case txn.TokenOpCloseAccount:
		if ins.Authority.Equals(feePayer) && !p.AllowCloseAccount {
			return deny("close_account", "owner")
		}
	case txn.TokenOpApprove:
		if ins.Authority.Equals(feePayer) && !p.AllowApprove {
			return deny("approve", "owner")
		}
	case txn.TokenOpRevoke:
		if ins.Authority.Equals(feePayer) && !p.AllowRevoke {
			return deny("revoke", "owner")
		}
	case txn.TokenOpSetAuthority:
		if ins.Authority.Equals(feePayer) && !p.AllowSetAuthority {
			return deny("set_authority", "current authority")
		}
	case txn.TokenOpMintTo:
		if ins.MintAuthority.Equals(feePayer) && !p.AllowMintTo {
			return deny("mint_to", "mint authority")
		}
	case txn.TokenOpInitializeMint:
		if ins.MintAuthority.Equals(feePayer) && !p.AllowInitializeMint {
			return deny("initialize_mint", "mint authority")
		}
	case txn.TokenOpInitializeAccount:
		if ins.NewOwner.Equals(feePayer) && !p.AllowInitializeAccount {
			return deny("initialize_account", "owner")
		}
	case txn.TokenOpInitializeMultisig:
		for _, signer := range ins.MultisigSigners {
			if signer.Equals(feePayer) && !p.AllowInitializeMultisig {
				return deny("initialize_multisig", "multisig signer")
			}
		}
	case txn.TokenOpFreezeAccount:
		if ins.FreezeAuthority.Equals(feePayer) && !p.AllowFreezeAccount {
			return deny("freeze_account", "freeze authority")
		}
	case txn.TokenOpThawAccount:
		if ins.FreezeAuthority.Equals(feePayer) && !p.AllowThawAccount {
			return deny("thaw_account", "freeze authority")
		}
	case txn.TokenOpUnknown:
		if !e.cfg.AllowUnknownInstructions {
			return e.reject(apierr.PolicyRejected(RuleUnknownInstr, ins.Index,
				"unrecognized %s instruction at index %d", program, ins.Index))
		}
	}
	return nil
}
