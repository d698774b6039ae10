package btc

import (
	"context"
	"errors"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

func pathWalletXpub(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/xpub",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletXpubRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "xpub",
					},
				},
			},
			HelpSynopsis:    pathWalletXpubHelpSynopsis,
			HelpDescription: pathWalletXpubHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletXpubRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	lock := b.walletLock(name)
	lock.RLock()
	defer lock.RUnlock()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	params, err := w.params()
	if err != nil {
		return nil, err
	}
	tmpl, err := w.template()
	if err != nil {
		return nil, err
	}

	key, err := wallet.ExportBranchKey(w.Seed, tmpl, params)
	if errors.Is(err, wallet.ErrDerivation) && tmpl.HardenedIndex {
		return errorResponseFor(err), nil
	}
	if err != nil {
		return nil, err
	}

	b.Logger().Debug("branch key exported", "wallet", name, "template", tmpl.String())

	return &logical.Response{
		Data: map[string]interface{}{
			"xpub":               key.Xpub,
			"master_fingerprint": key.MasterFingerprint,
			"derivation_path":    key.Path.String(),
			"path_template":      tmpl.String(),
			"address_type":       tmpl.AddressType(),
			"network":            w.Network,
			"descriptor":         key.Descriptor(tmpl.AddressType()),
		},
	}, nil
}

const pathWalletXpubHelpSynopsis = `
Export the wallet's branch public key for watch-only address derivation.
`

const pathWalletXpubHelpDescription = `
This endpoint exports the extended public key at the wallet template's
branch, the path above the * wildcard. Software holding it derives the same
addresses as the wallet without access to any private key.

Only templates with a non-hardened index have such a key. The default
template (m/84'/coin'/0'/1'/*') hardens the index and is rejected with
error_kind=derivation.

Response fields:
  - xpub: The extended public key (xpub or tpub prefix)
  - master_fingerprint: Fingerprint of the master key
  - derivation_path: Path of the exported key
  - path_template: The wallet's template
  - address_type: p2wpkh, p2tr or p2pkh
  - network: Bitcoin network
  - descriptor: Output descriptor with key origin, for wallet import

Example:
  $ vault write btc/wallets/watched path_template="m/84'/0'/0'/0/*"
  $ vault read btc/wallets/watched/xpub

The xpub cannot spend funds but reveals every address of the wallet.
`
