package btc

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

// RegistryCacheManager holds the in-memory coin registry of each wallet.
// A registry is hydrated from coin storage on first use; reservations made
// through it live only in memory.
type RegistryCacheManager struct {
	wallets map[string]*wallet.CoinRegistry // keyed by wallet name
	mu      sync.RWMutex
}

// NewRegistryCacheManager creates a new cache manager
func NewRegistryCacheManager() *RegistryCacheManager {
	return &RegistryCacheManager{
		wallets: make(map[string]*wallet.CoinRegistry),
	}
}

// GetRegistry returns the wallet's registry, loading it from storage if it
// is not cached.
func (m *RegistryCacheManager) GetRegistry(ctx context.Context, s logical.Storage, walletName string) (*wallet.CoinRegistry, error) {
	m.mu.RLock()
	registry, exists := m.wallets[walletName]
	m.mu.RUnlock()

	if exists {
		return registry, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if registry, exists = m.wallets[walletName]; exists {
		return registry, nil
	}

	registry, err := hydrateRegistry(ctx, s, walletName)
	if err != nil {
		return nil, err
	}
	m.wallets[walletName] = registry
	return registry, nil
}

// Invalidate drops the cached registry for a wallet
func (m *RegistryCacheManager) Invalidate(walletName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wallets, walletName)
}

func hydrateRegistry(ctx context.Context, s logical.Storage, walletName string) (*wallet.CoinRegistry, error) {
	stored, err := getStoredCoins(ctx, s, walletName)
	if err != nil {
		return nil, err
	}

	registry := wallet.NewCoinRegistry()
	var spent []wire.OutPoint
	for _, sc := range stored {
		c, err := sc.coin()
		if err != nil {
			return nil, err
		}
		if err := registry.Record(c); err != nil {
			return nil, fmt.Errorf("failed to load coin %v: %w", c.OutPoint, err)
		}
		if sc.Spent {
			spent = append(spent, c.OutPoint)
		}
	}

	// Spent coins stay tracked so they can never be recorded again.
	if len(spent) > 0 {
		if _, err := registry.Take(spent); err != nil {
			return nil, err
		}
		if err := registry.MarkSpent(spent); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
