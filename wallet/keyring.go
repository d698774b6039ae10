package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// KeyResolver finds the private key able to spend coins paying to an
// address.
type KeyResolver interface {
	ResolveKey(address string) (*btcec.PrivateKey, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(address string) (*btcec.PrivateKey, error)

func (f KeyResolverFunc) ResolveKey(address string) (*btcec.PrivateKey, error) {
	return f(address)
}

// Keyring maps encoded addresses to the pairs that derived them.
//
// This type is safe for concurrent access.
type Keyring struct {
	mu    sync.RWMutex
	pairs map[string]AddressKeyPair
}

// NewKeyring returns a keyring holding the given pairs.
func NewKeyring(pairs ...AddressKeyPair) (*Keyring, error) {
	k := &Keyring{pairs: make(map[string]AddressKeyPair, len(pairs))}
	if err := k.Add(pairs...); err != nil {
		return nil, err
	}
	return k, nil
}

// Add tracks derived pairs. Re-adding the same path is a no-op; the same
// address under a different path is a collision.
func (k *Keyring) Add(pairs ...AddressKeyPair) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, p := range pairs {
		if err := k.checkLocked(p); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		k.pairs[p.Address.EncodeAddress()] = p
	}
	return nil
}

func (k *Keyring) checkLocked(p AddressKeyPair) error {
	encoded := p.Address.EncodeAddress()
	prev, ok := k.pairs[encoded]
	if !ok {
		return nil
	}
	if prev.Path.String() != p.Path.String() {
		return fmt.Errorf("%w: address %s derived at both %s and %s", ErrDerivation, encoded, prev.Path, p.Path)
	}
	return nil
}

// Lookup returns the pair for an address.
func (k *Keyring) Lookup(address string) (AddressKeyPair, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.pairs[address]
	return p, ok
}

// ResolveKey implements KeyResolver.
func (k *Keyring) ResolveKey(address string) (*btcec.PrivateKey, error) {
	p, ok := k.Lookup(address)
	if !ok || p.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no key for address %s", ErrUnresolvableKey, address)
	}
	return p.PrivateKey, nil
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.pairs)
}
