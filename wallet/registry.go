package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// CoinRegistry is the set of coins known to one wallet. Coins move from
// available to taken when a builder claims them, back to available on
// Release, and to spent once the spending transaction is submitted.
//
// This type is safe for concurrent access. Take is the single point of
// mutual exclusion between concurrent builders.
type CoinRegistry struct {
	mu        sync.Mutex
	available map[wire.OutPoint]Coin
	taken     map[wire.OutPoint]Coin
	spent     map[wire.OutPoint]struct{}
}

// NewCoinRegistry returns an empty registry.
func NewCoinRegistry() *CoinRegistry {
	return &CoinRegistry{
		available: make(map[wire.OutPoint]Coin),
		taken:     make(map[wire.OutPoint]Coin),
		spent:     make(map[wire.OutPoint]struct{}),
	}
}

// Record adds a coin reported by a funding observation. The coin must carry
// its owning address.
func (r *CoinRegistry) Record(coin Coin) error {
	if coin.Address == "" {
		return fmt.Errorf("coin %v has no owning address", coin.OutPoint)
	}
	if coin.Amount <= 0 || coin.Amount > btcutil.MaxSatoshi {
		return fmt.Errorf("coin %v has out of range amount %d", coin.OutPoint, coin.Amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.trackedLocked(coin.OutPoint) {
		return fmt.Errorf("%w: %v", ErrDuplicateOutPoint, coin.OutPoint)
	}
	r.available[coin.OutPoint] = coin
	return nil
}

func (r *CoinRegistry) trackedLocked(op wire.OutPoint) bool {
	if _, ok := r.available[op]; ok {
		return true
	}
	if _, ok := r.taken[op]; ok {
		return true
	}
	_, ok := r.spent[op]
	return ok
}

// TotalValue sums the available coins owned by the given addresses.
func (r *CoinRegistry) TotalValue(addresses ...string) btcutil.Amount {
	owners := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		owners[a] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var total btcutil.Amount
	for _, c := range r.available {
		if _, ok := owners[c.Address]; ok {
			total += c.Amount
		}
	}
	return total
}

// Available lists available coins sorted by outpoint. With no addresses
// every available coin is returned.
func (r *CoinRegistry) Available(addresses ...string) []Coin {
	owners := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		owners[a] = struct{}{}
	}

	r.mu.Lock()
	coins := make([]Coin, 0, len(r.available))
	for _, c := range r.available {
		if len(owners) > 0 {
			if _, ok := owners[c.Address]; !ok {
				continue
			}
		}
		coins = append(coins, c)
	}
	r.mu.Unlock()

	sortCoins(coins)
	return coins
}

// Take removes the coins and returns them in the order requested. Either
// every outpoint is taken or none is.
func (r *CoinRegistry) Take(outpoints []wire.OutPoint) ([]Coin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[wire.OutPoint]struct{}, len(outpoints))
	for _, op := range outpoints {
		if _, ok := seen[op]; ok {
			return nil, fmt.Errorf("%w: %v requested twice", ErrDuplicateOutPoint, op)
		}
		seen[op] = struct{}{}

		if _, ok := r.available[op]; ok {
			continue
		}
		if _, ok := r.taken[op]; ok {
			return nil, fmt.Errorf("%w: %v", ErrAlreadySpent, op)
		}
		if _, ok := r.spent[op]; ok {
			return nil, fmt.Errorf("%w: %v", ErrAlreadySpent, op)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutPoint, op)
	}

	coins := make([]Coin, len(outpoints))
	for i, op := range outpoints {
		coins[i] = r.available[op]
		delete(r.available, op)
		r.taken[op] = coins[i]
	}
	return coins, nil
}

// Release returns taken coins to the available set. Either every outpoint
// is released or none is.
func (r *CoinRegistry) Release(outpoints []wire.OutPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkTakenLocked(outpoints); err != nil {
		return err
	}
	for _, op := range outpoints {
		r.available[op] = r.taken[op]
		delete(r.taken, op)
	}
	return nil
}

// MarkSpent settles taken coins as spent. Spent outpoints stay tracked so
// they can never be recorded or taken again.
func (r *CoinRegistry) MarkSpent(outpoints []wire.OutPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkTakenLocked(outpoints); err != nil {
		return err
	}
	for _, op := range outpoints {
		delete(r.taken, op)
		r.spent[op] = struct{}{}
	}
	return nil
}

func (r *CoinRegistry) checkTakenLocked(outpoints []wire.OutPoint) error {
	for _, op := range outpoints {
		if _, ok := r.taken[op]; ok {
			continue
		}
		if _, ok := r.spent[op]; ok {
			return fmt.Errorf("%w: %v", ErrAlreadySpent, op)
		}
		if _, ok := r.available[op]; ok {
			return fmt.Errorf("%w: %v is not taken", ErrUnknownOutPoint, op)
		}
		return fmt.Errorf("%w: %v", ErrUnknownOutPoint, op)
	}
	return nil
}

// Taken lists coins currently claimed by a builder, sorted by outpoint.
func (r *CoinRegistry) Taken() []Coin {
	r.mu.Lock()
	coins := make([]Coin, 0, len(r.taken))
	for _, c := range r.taken {
		coins = append(coins, c)
	}
	r.mu.Unlock()

	sortCoins(coins)
	return coins
}

// Len returns the number of available coins.
func (r *CoinRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available)
}
