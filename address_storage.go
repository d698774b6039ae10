package btc

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/electrum"
	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const addressStoragePrefix = "addresses/"

// storedAddress stores information about a derived address. The private
// key is never stored; it is derived again from the seed when signing.
type storedAddress struct {
	Address        string `json:"address"`
	Index          uint32 `json:"index"`
	DerivationPath string `json:"derivation_path"`
	ScriptHash     string `json:"scripthash"`
	ScriptType     string `json:"script_type"`
}

func addressKey(walletName string, index uint32) string {
	return fmt.Sprintf("%s%s/%d", addressStoragePrefix, walletName, index)
}

// newStoredAddress records a derived pair, computing the Electrum scripthash
// used by funding scans.
func newStoredAddress(pair wallet.AddressKeyPair, params *chaincfg.Params) (*storedAddress, error) {
	encoded := pair.Address.EncodeAddress()
	pkScript, err := wallet.ScriptForAddress(encoded, params)
	if err != nil {
		return nil, err
	}
	scriptType, err := wallet.ScriptType(pkScript)
	if err != nil {
		return nil, err
	}

	return &storedAddress{
		Address:        encoded,
		Index:          pair.Index,
		DerivationPath: pair.Path.String(),
		ScriptHash:     electrum.ScriptHash(pkScript),
		ScriptType:     scriptType,
	}, nil
}

// putStoredAddresses persists derived pairs under the wallet.
func putStoredAddresses(ctx context.Context, s logical.Storage, walletName string, pairs []wallet.AddressKeyPair, params *chaincfg.Params) ([]*storedAddress, error) {
	stored := make([]*storedAddress, 0, len(pairs))
	for _, pair := range pairs {
		addr, err := newStoredAddress(pair, params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode address %d: %w", pair.Index, err)
		}

		entry, err := logical.StorageEntryJSON(addressKey(walletName, addr.Index), addr)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage entry: %w", err)
		}
		if err := s.Put(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to store address %d: %w", addr.Index, err)
		}
		stored = append(stored, addr)
	}
	return stored, nil
}

// getStoredAddresses retrieves all stored addresses for a wallet, sorted by index
func getStoredAddresses(ctx context.Context, s logical.Storage, walletName string) ([]storedAddress, error) {
	prefix := addressStoragePrefix + walletName + "/"
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("error listing addresses: %w", err)
	}

	addresses := make([]storedAddress, 0, len(entries))
	for _, entry := range entries {
		stored, err := s.Get(ctx, prefix+entry)
		if err != nil {
			return nil, fmt.Errorf("error reading address %s: %w", entry, err)
		}
		if stored == nil {
			continue
		}

		var addr storedAddress
		if err := stored.DecodeJSON(&addr); err != nil {
			return nil, fmt.Errorf("error decoding address %s: %w", entry, err)
		}

		addresses = append(addresses, addr)
	}

	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i].Index < addresses[j].Index
	})

	return addresses, nil
}

// addressSet returns the encoded addresses and an index lookup.
func addressSet(addresses []storedAddress) ([]string, map[string]storedAddress) {
	list := make([]string, len(addresses))
	byAddress := make(map[string]storedAddress, len(addresses))
	for i, a := range addresses {
		list[i] = a.Address
		byAddress[a.Address] = a
	}
	return list, byAddress
}

// deleteStoredAddresses removes every address record of a wallet.
func deleteStoredAddresses(ctx context.Context, s logical.Storage, walletName string) (int, error) {
	prefix := addressStoragePrefix + walletName + "/"
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("error listing addresses: %w", err)
	}

	for _, entry := range entries {
		if err := s.Delete(ctx, prefix+entry); err != nil {
			return 0, fmt.Errorf("error deleting address: %w", err)
		}
	}
	return len(entries), nil
}
