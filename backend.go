package btc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/helper/locksutil"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/electrum"
)

// chainClient is the part of the Electrum client the backend uses for
// funding scans and transaction submission.
type chainClient interface {
	ListUnspent(ctx context.Context, scriptHash string) ([]electrum.Unspent, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// btcBackend defines the backend for the Bitcoin transaction builder
type btcBackend struct {
	*framework.Backend
	lock   sync.RWMutex
	client chainClient
	dial   func(ctx context.Context, url string) (chainClient, error)

	registries  *RegistryCacheManager
	walletLocks []*locksutil.LockEntry
}

// Factory creates a new backend instance
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	b := backend()
	if err := b.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func backend() *btcBackend {
	b := &btcBackend{
		registries:  NewRegistryCacheManager(),
		walletLocks: locksutil.CreateLocks(),
		dial: func(ctx context.Context, url string) (chainClient, error) {
			return electrum.Dial(ctx, url)
		},
	}

	b.Backend = &framework.Backend{
		Help: strings.TrimSpace(backendHelp),
		PathsSpecial: &logical.Paths{
			SealWrapStorage: []string{
				"config",
				"wallets/*",
			},
		},
		Paths: framework.PathAppend(
			pathConfig(b),
			pathWallets(b),
			pathWalletAddresses(b),
			pathWalletCoins(b),
			pathWalletBuild(b),
			pathWalletQR(b),
			pathWalletXpub(b),
		),
		Secrets:      []*framework.Secret{},
		BackendType:  logical.TypeLogical,
		Invalidate:   b.invalidate,
		Clean:        b.cleanup,
		PeriodicFunc: b.keepalive,
	}

	return b
}

// invalidate resets the client when configuration changes and drops the
// in-memory registry of a wallet changed by another node.
func (b *btcBackend) invalidate(ctx context.Context, key string) {
	switch {
	case key == configStoragePath:
		b.reset()
	case strings.HasPrefix(key, walletsStoragePrefix):
		b.registries.Invalidate(strings.TrimPrefix(key, walletsStoragePrefix))
	case strings.HasPrefix(key, coinStoragePrefix):
		name, _, _ := strings.Cut(strings.TrimPrefix(key, coinStoragePrefix), "/")
		b.registries.Invalidate(name)
	}
}

func (b *btcBackend) cleanup(ctx context.Context) {
	b.reset()
}

// keepalive pings the cached Electrum client and drops it when the server no
// longer answers. It never dials.
func (b *btcBackend) keepalive(ctx context.Context, req *logical.Request) error {
	b.lock.RLock()
	client := b.client
	b.lock.RUnlock()
	if client == nil {
		return nil
	}

	if err := client.Ping(ctx); err != nil {
		b.Logger().Warn("Electrum server did not answer ping, resetting client", "error", err)
		b.reset()
	}
	return nil
}

// reset clears the cached Electrum client
func (b *btcBackend) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.client != nil {
		b.Logger().Debug("closing Electrum connection")
		b.client.Close()
		b.client = nil
	}
}

// walletLock returns the lock serializing writes to one wallet's counter,
// coins and reservations.
func (b *btcBackend) walletLock(name string) *locksutil.LockEntry {
	return locksutil.LockForKey(b.walletLocks, name)
}

// isConnectionError checks if an error indicates a broken connection
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, electrum.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "i/o timeout")
}

// handleClientError checks if an error is a connection error and resets the client if so
// Returns true if the client was reset (caller should retry with a fresh client)
func (b *btcBackend) handleClientError(err error) bool {
	if isConnectionError(err) {
		b.Logger().Warn("detected stale connection, resetting client", "error", err)
		b.reset()
		return true
	}
	return false
}

// getClient returns the Electrum client, creating one if necessary
func (b *btcBackend) getClient(ctx context.Context, s logical.Storage) (chainClient, error) {
	b.lock.RLock()
	if b.client != nil {
		b.lock.RUnlock()
		return b.client, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	// Double-check after acquiring write lock
	if b.client != nil {
		return b.client, nil
	}

	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	network := defaultNetwork
	if config != nil && config.Network != "" {
		network = config.Network
	}

	var serverURL string
	if config != nil && config.ElectrumURL != "" {
		serverURL = config.ElectrumURL
	} else {
		serverURL = getRandomServer(network)
		if serverURL == "" {
			return nil, fmt.Errorf("no default Electrum servers configured for network %q - please set electrum_url in config", network)
		}
	}

	b.Logger().Debug("connecting to Electrum server", "url", serverURL, "network", network)
	client, err := b.dial(ctx, serverURL)
	if err != nil {
		b.Logger().Warn("failed to connect to Electrum server", "url", serverURL, "error", err)
		return nil, err
	}

	b.Logger().Info("connected to Electrum server", "url", serverURL, "network", network)
	b.client = client
	return b.client, nil
}

const backendHelp = `
The Bitcoin transaction builder derives HD wallet addresses, tracks the coins
paid to them and builds fully signed transactions that split the available
value equally across a set of destinations.

Each wallet keeps its seed in sealed storage and derives addresses from a
fixed path template. Coins are recorded from Electrum scans or reported
directly, and every coin can be consumed by at most one transaction: a build
takes its inputs atomically and releases them again if it fails.

Endpoints:
  btc/config                         - Network, Electrum server, path template
  btc/wallets                        - List wallets
  btc/wallets/:name                  - Create, read and delete a wallet
  btc/wallets/:name/addresses        - List or derive addresses
  btc/wallets/:name/coins            - List or record coins
  btc/wallets/:name/coins/scan       - Record coins found by an Electrum scan
  btc/wallets/:name/coins/release    - Return reserved coins to the wallet
  btc/wallets/:name/coins/spent      - Confirm reserved coins as spent
  btc/wallets/:name/build            - Build, sign and optionally broadcast
  btc/wallets/:name/qr               - QR code for the next unused address
  btc/wallets/:name/xpub             - Watch-only branch key and descriptor
`
