package btc

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathWalletAddresses(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/addresses",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"count": {
					Type:        framework.TypeInt,
					Description: "Number of indexes to derive from the wallet's counter (default: 1)",
					Default:     1,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses-derive",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletAddressesWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "addresses-derive",
					},
				},
			},
			ExistenceCheck:  b.pathWalletAddressesExistenceCheck,
			HelpSynopsis:    pathWalletAddressesHelpSynopsis,
			HelpDescription: pathWalletAddressesHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletAddressesRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
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

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	coins, err := getStoredCoins(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	used := usedAddresses(coins)

	registry, err := b.registries.GetRegistry(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	var usedCount int
	var total int64
	addressList := make([]map[string]interface{}, len(addresses))
	for i, addr := range addresses {
		balance := int64(registry.TotalValue(addr.Address))
		total += balance
		if used[addr.Address] {
			usedCount++
		}

		addressList[i] = map[string]interface{}{
			"address":         addr.Address,
			"index":           addr.Index,
			"derivation_path": addr.DerivationPath,
			"script_type":     addr.ScriptType,
			"balance":         balance,
			"used":            used[addr.Address],
		}
	}

	b.Logger().Debug("addresses read", "wallet", name, "count", len(addresses), "used", usedCount)

	return &logical.Response{
		Data: map[string]interface{}{
			"addresses":     addressList,
			"address_count": len(addresses),
			"used_count":    usedCount,
			"unused_count":  len(addresses) - usedCount,
			"next_index":    w.NextIndex,
			"total":         total,
		},
	}, nil
}

func (b *btcBackend) pathWalletAddressesExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	return false, nil
}

func (b *btcBackend) pathWalletAddressesWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	count := data.Get("count").(int)

	if count < 1 {
		return logical.ErrorResponse("count must be at least 1"), nil
	}

	if count > maxAddressesPerRequest {
		return logical.ErrorResponse("count must not exceed %d", maxAddressesPerRequest), nil
	}

	// The counter read, derivation and counter write must not interleave
	// with another derivation for the same wallet.
	lock := b.walletLock(name)
	lock.Lock()
	defer lock.Unlock()

	w, err := getWallet(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return logical.ErrorResponse("wallet %q not found", name), nil
	}

	startIndex := w.NextIndex
	pairs, params, err := w.derive(ctx, count)
	if err != nil {
		return logical.ErrorResponse("derivation failed: %s", err.Error()), nil
	}

	stored, err := putStoredAddresses(ctx, req.Storage, name, pairs, params)
	if err != nil {
		return nil, err
	}

	if err := saveWallet(ctx, req.Storage, w); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	addressList := make([]map[string]interface{}, len(stored))
	for i, addr := range stored {
		addressList[i] = map[string]interface{}{
			"address":         addr.Address,
			"index":           addr.Index,
			"derivation_path": addr.DerivationPath,
			"script_type":     addr.ScriptType,
		}
	}

	if skipped := count - len(stored); skipped > 0 {
		b.Logger().Warn("skipped invalid child indexes", "wallet", name, "start_index", startIndex, "skipped", skipped)
	}

	b.Logger().Debug("addresses derived", "wallet", name, "start_index", startIndex, "count", len(stored), "next_index", w.NextIndex)

	return &logical.Response{
		Data: map[string]interface{}{
			"addresses":   addressList,
			"count":       len(stored),
			"skipped":     count - len(stored),
			"start_index": startIndex,
			"next_index":  w.NextIndex,
		},
	}, nil
}

const pathWalletAddressesHelpSynopsis = `
List or derive addresses for a wallet.
`

const pathWalletAddressesHelpDescription = `
READ: List every derived address of a wallet.

Each address includes:

  - address: The Bitcoin address
  - index: The derivation index
  - derivation_path: Full derivation path
  - script_type: p2wpkh, p2tr or p2pkh
  - balance: Sum of the recorded, unreserved coins paying to the address
  - used: Whether any coin paying to the address was ever recorded

Example:
  $ vault read btc/wallets/my-wallet/addresses

WRITE: Derive new addresses from the wallet's counter.

Parameters:
  - count: Number of indexes to derive (default: 1, max: 100)

Derivation starts at the wallet's next_index and the counter advances by
count. An index whose child key is invalid is skipped, so the response can
hold fewer addresses than requested; skipped reports how many. Derivation is
deterministic: the same seed, template and index always yield the same
address.

Example - Derive 5 addresses:
  $ vault write btc/wallets/my-wallet/addresses count=5

All amounts are in satoshis (1 BTC = 100,000,000 satoshis).
`
