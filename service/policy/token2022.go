package policy

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/txn"
)

// validateToken2022Extensions rejects transactions touching Token-2022
// mints or token accounts that carry a blocked extension. Filtering happens
// at the top instruction level; accounts that do not exist yet (e.g. ATAs
// created inside the transaction) are skipped.
func (e *Engine) validateToken2022Extensions(ctx context.Context, r *txn.ResolvedTransaction) error {
	blockedMint := e.cfg.Token2022.BlockedMintExtensionTypes()
	blockedAcct := e.cfg.Token2022.BlockedAccountExtensionTypes()
	if len(blockedMint) == 0 && len(blockedAcct) == 0 {
		return nil
	}

	checkedMints := make(map[solana.PublicKey]struct{})
	checkedAccounts := make(map[solana.PublicKey]struct{})

	for _, ins := range r.TokenInstructions() {
		if !ins.Token2022 {
			continue
		}
		if len(blockedMint) > 0 && !ins.Mint.IsZero() {
			if _, done := checkedMints[ins.Mint]; !done {
				checkedMints[ins.Mint] = struct{}{}
				if err := e.checkExtensions(ctx, ins.Mint, blockedMint, RuleBlockedMintExt, ins.Index); err != nil {
					return err
				}
			}
		}
		if len(blockedAcct) > 0 {
			for _, acct := range []solana.PublicKey{ins.Source, ins.Destination} {
				if acct.IsZero() {
					continue
				}
				if _, done := checkedAccounts[acct]; done {
					continue
				}
				checkedAccounts[acct] = struct{}{}
				if err := e.checkExtensions(ctx, acct, blockedAcct, RuleBlockedAcctExt, ins.Index); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) checkExtensions(ctx context.Context, key solana.PublicKey, blocked []txn.ExtensionType, rule string, index int) error {
	acct, err := e.accounts.Get(ctx, key, false)
	if err != nil {
		if chain.IsNotFound(err) {
			return nil
		}
		return apierr.Wrap(apierr.KindResolutionIOFailure, err,
			"failed to fetch account %s for extension check", key)
	}
	if !acct.Owner.Equals(txn.Token2022ProgramID) {
		return nil
	}
	present := txn.ExtensionTypes(acct.Data)
	for _, ext := range present {
		for _, b := range blocked {
			if ext == b {
				return e.reject(apierr.PolicyRejected(rule, index,
					"account %s carries blocked extension %d", key, ext))
			}
		}
	}
	return nil
}
