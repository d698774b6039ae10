package btc

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const (
	walletsStoragePrefix = "wallets/"

	defaultInitialAddresses = 5
	maxAddressesPerRequest  = 100

	// Batches at least this large are derived across CPUs.
	parallelDeriveThreshold = 20
)

// btcWallet stores the wallet configuration. The network and template are
// fixed at creation so that every derivation of the wallet reproduces the
// same addresses.
type btcWallet struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Seed         []byte    `json:"seed"`
	FromMnemonic bool      `json:"from_mnemonic,omitempty"`
	Network      string    `json:"network"`
	PathTemplate string    `json:"path_template"`
	NextIndex    uint32    `json:"next_index"`
	CreatedAt    time.Time `json:"created_at"`
}

func (w *btcWallet) params() (*chaincfg.Params, error) {
	return wallet.NetworkParams(w.Network)
}

func (w *btcWallet) template() (wallet.PathTemplate, error) {
	return wallet.ParsePathTemplate(w.PathTemplate)
}

// derive produces count pairs from the wallet's counter and advances it.
// The caller persists the wallet.
func (w *btcWallet) derive(ctx context.Context, count int) ([]wallet.AddressKeyPair, *chaincfg.Params, error) {
	params, err := w.params()
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := w.template()
	if err != nil {
		return nil, nil, err
	}

	var res *wallet.DerivationResult
	if count >= parallelDeriveThreshold {
		res, err = wallet.DeriveParallel(ctx, w.Seed, tmpl, w.NextIndex, count, params, runtime.GOMAXPROCS(0))
	} else {
		res, err = wallet.Derive(w.Seed, tmpl, w.NextIndex, count, params)
	}
	if err != nil {
		return nil, nil, err
	}
	w.NextIndex = res.NextIndex
	return res.Pairs, params, nil
}

func pathWallets(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/?$",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
				OperationSuffix: "wallets",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ListOperation: &framework.PathOperation{
					Callback: b.pathWalletsList,
				},
			},
			HelpSynopsis:    pathWalletsListHelpSynopsis,
			HelpDescription: pathWalletsListHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name"),
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"description": {
					Type:        framework.TypeString,
					Description: "Optional description for this wallet",
				},
				"mnemonic": {
					Type:        framework.TypeString,
					Description: "BIP39 mnemonic to restore the wallet from. A random seed is used when unset.",
				},
				"passphrase": {
					Type:        framework.TypeString,
					Description: "Optional BIP39 passphrase used with mnemonic",
				},
				"generate_mnemonic": {
					Type:        framework.TypeBool,
					Description: "Generate a new 12-word mnemonic and return it once in the response",
				},
				"path_template": {
					Type:        framework.TypeString,
					Description: "Derivation template for this wallet (default: from config)",
				},
				"initial_addresses": {
					Type:        framework.TypeInt,
					Description: "Number of addresses to derive on creation (default: 5)",
					Default:     defaultInitialAddresses,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathWalletsDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
			},
			ExistenceCheck:  b.pathWalletsExistenceCheck,
			HelpSynopsis:    pathWalletsHelpSynopsis,
			HelpDescription: pathWalletsHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletsList(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	entries, err := req.Storage.List(ctx, walletsStoragePrefix)
	if err != nil {
		return nil, fmt.Errorf("error listing wallets: %w", err)
	}

	b.Logger().Debug("wallets listed", "count", len(entries))
	return logical.ListResponse(entries), nil
}

func (b *btcBackend) pathWalletsExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	name := data.Get("name").(string)
	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}

func (b *btcBackend) pathWalletsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	lock := b.walletLock(name)
	lock.RLock()
	defer lock.RUnlock()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return nil, nil
	}

	respData, err := b.walletSummary(ctx, req.Storage, w)
	if err != nil {
		return nil, err
	}

	return &logical.Response{Data: respData}, nil
}

// walletSummary reports the wallet's counter, balance and receive address.
// Balances come from the coin registry, not from the chain.
func (b *btcBackend) walletSummary(ctx context.Context, s logical.Storage, w *btcWallet) (map[string]interface{}, error) {
	addresses, err := getStoredAddresses(ctx, s, w.Name)
	if err != nil {
		return nil, err
	}

	coins, err := getStoredCoins(ctx, s, w.Name)
	if err != nil {
		return nil, err
	}

	registry, err := b.registries.GetRegistry(ctx, s, w.Name)
	if err != nil {
		return nil, err
	}

	tmpl, err := w.template()
	if err != nil {
		return nil, err
	}

	list, _ := addressSet(addresses)
	reserved := registry.Taken()

	respData := map[string]interface{}{
		"name":            w.Name,
		"network":         w.Network,
		"path_template":   w.PathTemplate,
		"address_type":    tmpl.AddressType(),
		"next_index":      w.NextIndex,
		"address_count":   len(addresses),
		"balance":         int64(registry.TotalValue(list...)),
		"available_coins": len(registry.Available(list...)),
		"reserved_coins":  len(reserved),
		"reserved_amount": int64(wallet.SumCoins(reserved)),
		"from_mnemonic":   w.FromMnemonic,
		"created_at":      w.CreatedAt.Format(time.RFC3339),
	}

	if receive, ok := nextUnusedAddress(addresses, usedAddresses(coins)); ok {
		respData["receive_address"] = receive.Address
		respData["receive_index"] = receive.Index
	} else {
		respData["receive_address"] = nil
		respData["warning"] = "no unused address available - derive one with: vault write btc/wallets/" + w.Name + "/addresses"
	}

	if w.Description != "" {
		respData["description"] = w.Description
	}

	return respData, nil
}

// nextUnusedAddress returns the lowest-index address never paid.
func nextUnusedAddress(addresses []storedAddress, used map[string]bool) (storedAddress, bool) {
	for _, addr := range addresses {
		if !used[addr.Address] {
			return addr, true
		}
	}
	return storedAddress{}, false
}

func (b *btcBackend) pathWalletsWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	lock := b.walletLock(name)
	lock.Lock()
	defer lock.Unlock()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	var mnemonic string
	if w == nil {
		if req.Operation != logical.CreateOperation {
			return nil, fmt.Errorf("wallet %q not found during update operation", name)
		}

		var errResp *logical.Response
		w, mnemonic, errResp, err = b.newWallet(ctx, req.Storage, name, data)
		if err != nil || errResp != nil {
			return errResp, err
		}

		initial := data.Get("initial_addresses").(int)
		if initial < 0 || initial > maxAddressesPerRequest {
			return logical.ErrorResponse("initial_addresses must be between 0 and %d", maxAddressesPerRequest), nil
		}

		if initial > 0 {
			pairs, params, err := w.derive(ctx, initial)
			if err != nil {
				return nil, fmt.Errorf("failed to derive initial addresses: %w", err)
			}
			if _, err := putStoredAddresses(ctx, req.Storage, name, pairs, params); err != nil {
				return nil, err
			}
		}

		b.Logger().Info("wallet created", "name", name, "network", w.Network,
			"path_template", w.PathTemplate, "next_index", w.NextIndex, "from_mnemonic", w.FromMnemonic)
	} else if _, ok := data.GetOk("mnemonic"); ok {
		return logical.ErrorResponse("wallet %q already exists; its seed cannot be replaced", name), nil
	}

	if description, ok := data.GetOk("description"); ok {
		w.Description = description.(string)
	}

	if err := saveWallet(ctx, req.Storage, w); err != nil {
		return nil, err
	}

	respData, err := b.walletSummary(ctx, req.Storage, w)
	if err != nil {
		return nil, err
	}

	resp := &logical.Response{Data: respData}
	if mnemonic != "" {
		resp.Data["mnemonic"] = mnemonic
		resp.AddWarning("the mnemonic is shown only once; store it securely")
	}
	return resp, nil
}

// newWallet assembles a wallet from the request's seed source and template.
// The returned mnemonic is non-empty only when one was generated.
func (b *btcBackend) newWallet(ctx context.Context, s logical.Storage, name string, data *framework.FieldData) (*btcWallet, string, *logical.Response, error) {
	config, err := getEffectiveConfig(ctx, s)
	if err != nil {
		return nil, "", nil, err
	}

	tmpl, err := config.template()
	if err != nil {
		return nil, "", nil, err
	}
	if raw, ok := data.GetOk("path_template"); ok {
		tmpl, err = wallet.ParsePathTemplate(raw.(string))
		if err != nil {
			return nil, "", logical.ErrorResponse("invalid path_template: %s", err.Error()), nil
		}
	}

	w := &btcWallet{
		Name:         name,
		Network:      config.Network,
		PathTemplate: tmpl.String(),
		CreatedAt:    time.Now().UTC(),
	}

	mnemonic := data.Get("mnemonic").(string)
	generate := data.Get("generate_mnemonic").(bool)
	var generated string

	switch {
	case mnemonic != "" && generate:
		return nil, "", logical.ErrorResponse("mnemonic and generate_mnemonic are mutually exclusive"), nil
	case generate:
		generated, err = wallet.NewMnemonic()
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to generate mnemonic: %w", err)
		}
		mnemonic = generated
	}

	if mnemonic != "" {
		w.Seed, err = wallet.NewSeedFromMnemonic(mnemonic, data.Get("passphrase").(string))
		if err != nil {
			return nil, "", logical.ErrorResponse("invalid mnemonic: %s", err.Error()), nil
		}
		w.FromMnemonic = true
	} else {
		w.Seed, err = wallet.GenerateSeed()
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to generate seed: %w", err)
		}
	}

	return w, generated, nil, nil
}

func (b *btcBackend) pathWalletsDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	lock := b.walletLock(name)
	lock.Lock()
	defer lock.Unlock()

	b.registries.Invalidate(name)

	if err := req.Storage.Delete(ctx, walletsStoragePrefix+name); err != nil {
		return nil, fmt.Errorf("error deleting wallet: %w", err)
	}

	addressCount, err := deleteStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	coinCount, err := deleteStoredCoins(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	b.Logger().Info("wallet deleted", "name", name, "addresses_deleted", addressCount, "coins_deleted", coinCount)
	return nil, nil
}

// getWallet retrieves a wallet from storage
func getWallet(ctx context.Context, s logical.Storage, name string) (*btcWallet, error) {
	entry, err := s.Get(ctx, walletsStoragePrefix+name)
	if err != nil {
		return nil, fmt.Errorf("error retrieving wallet: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	w := new(btcWallet)
	if err := entry.DecodeJSON(w); err != nil {
		return nil, fmt.Errorf("error decoding wallet: %w", err)
	}

	return w, nil
}

// saveWallet saves a wallet to storage
func saveWallet(ctx context.Context, s logical.Storage, w *btcWallet) error {
	entry, err := logical.StorageEntryJSON(walletsStoragePrefix+w.Name, w)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving wallet: %w", err)
	}

	return nil
}

const pathWalletsListHelpSynopsis = `
List all wallets.
`

const pathWalletsListHelpDescription = `
This endpoint lists all wallets in the Bitcoin transaction builder.
`

const pathWalletsHelpSynopsis = `
Manage Bitcoin wallets.
`

const pathWalletsHelpDescription = `
This endpoint manages HD wallets. Each wallet has its own seed and derives
addresses from a path template fixed when the wallet is created. The network
and default template come from btc/config.

The seed is either random, derived from a supplied BIP39 mnemonic (with an
optional passphrase), or derived from a freshly generated mnemonic that is
returned once in the creation response.

To create a wallet with a random seed:
  $ vault write btc/wallets/treasury description="Treasury"

To restore a wallet from a mnemonic:
  $ vault write btc/wallets/miner mnemonic="abandon abandon ... about"

To create a taproot wallet with a generated mnemonic:
  $ vault write btc/wallets/payouts generate_mnemonic=true \
      path_template="m/86'/0'/0'/0/*"

To view the derivation counter, balance and receive address:
  $ vault read btc/wallets/treasury

Balances are the sum of recorded, unreserved coins. Record coins through
btc/wallets/:name/coins or btc/wallets/:name/coins/scan.

WARNING: Deleting a wallet permanently destroys the seed and every coin
record. Ensure all funds have been transferred before deletion.
`
