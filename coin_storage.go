package btc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const coinStoragePrefix = "coins/"

// storedCoin is the persisted form of a registry coin. Reservations are not
// stored: a coin is either available or spent.
type storedCoin struct {
	TxID       string    `json:"txid"`
	Vout       uint32    `json:"vout"`
	Amount     int64     `json:"amount"`
	Address    string    `json:"address"`
	ScriptType string    `json:"script_type"`
	PkScript   []byte    `json:"pk_script"`
	Height     int64     `json:"height,omitempty"`
	Spent      bool      `json:"spent,omitempty"`
	SpentBy    string    `json:"spent_by,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func coinKey(walletName string, op wire.OutPoint) string {
	return coinStoragePrefix + walletName + "/" + op.String()
}

func newStoredCoin(c wallet.Coin, height int64) *storedCoin {
	return &storedCoin{
		TxID:       c.OutPoint.Hash.String(),
		Vout:       c.OutPoint.Index,
		Amount:     int64(c.Amount),
		Address:    c.Address,
		ScriptType: c.ScriptType,
		PkScript:   c.PkScript,
		Height:     height,
		RecordedAt: time.Now().UTC(),
	}
}

func (sc *storedCoin) outPoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(sc.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid stored txid %s: %w", sc.TxID, err)
	}
	return *wire.NewOutPoint(hash, sc.Vout), nil
}

func (sc *storedCoin) coin() (wallet.Coin, error) {
	op, err := sc.outPoint()
	if err != nil {
		return wallet.Coin{}, err
	}
	return wallet.Coin{
		OutPoint:   op,
		Amount:     btcutil.Amount(sc.Amount),
		PkScript:   sc.PkScript,
		Address:    sc.Address,
		ScriptType: sc.ScriptType,
	}, nil
}

func (sc *storedCoin) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"outpoint":    fmt.Sprintf("%s:%d", sc.TxID, sc.Vout),
		"txid":        sc.TxID,
		"vout":        sc.Vout,
		"amount":      sc.Amount,
		"address":     sc.Address,
		"script_type": sc.ScriptType,
		"spent":       sc.Spent,
	}
	if sc.Height > 0 {
		m["height"] = sc.Height
	}
	if sc.SpentBy != "" {
		m["spent_by"] = sc.SpentBy
	}
	return m
}

func putStoredCoin(ctx context.Context, s logical.Storage, walletName string, sc *storedCoin) error {
	op, err := sc.outPoint()
	if err != nil {
		return err
	}
	entry, err := logical.StorageEntryJSON(coinKey(walletName, op), sc)
	if err != nil {
		return fmt.Errorf("failed to create storage entry: %w", err)
	}
	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("failed to store coin %v: %w", op, err)
	}
	return nil
}

// getStoredCoins retrieves every coin ever recorded for a wallet, ordered by
// outpoint.
func getStoredCoins(ctx context.Context, s logical.Storage, walletName string) ([]*storedCoin, error) {
	prefix := coinStoragePrefix + walletName + "/"
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("error listing coins: %w", err)
	}

	coins := make([]*storedCoin, 0, len(entries))
	for _, entry := range entries {
		raw, err := s.Get(ctx, prefix+entry)
		if err != nil {
			return nil, fmt.Errorf("error reading coin %s: %w", entry, err)
		}
		if raw == nil {
			continue
		}

		sc := new(storedCoin)
		if err := raw.DecodeJSON(sc); err != nil {
			return nil, fmt.Errorf("error decoding coin %s: %w", entry, err)
		}
		coins = append(coins, sc)
	}

	sort.Slice(coins, func(i, j int) bool {
		if coins[i].TxID != coins[j].TxID {
			return coins[i].TxID < coins[j].TxID
		}
		return coins[i].Vout < coins[j].Vout
	})

	return coins, nil
}

// markStoredCoinsSpent flags the stored records of coins consumed by txid.
func markStoredCoinsSpent(ctx context.Context, s logical.Storage, walletName string, outpoints []wire.OutPoint, txid string) error {
	for _, op := range outpoints {
		key := coinKey(walletName, op)
		raw, err := s.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("error reading coin %v: %w", op, err)
		}
		if raw == nil {
			return fmt.Errorf("coin %v not found in storage", op)
		}

		sc := new(storedCoin)
		if err := raw.DecodeJSON(sc); err != nil {
			return fmt.Errorf("error decoding coin %v: %w", op, err)
		}
		sc.Spent = true
		sc.SpentBy = txid

		if err := putStoredCoin(ctx, s, walletName, sc); err != nil {
			return err
		}
	}
	return nil
}

// usedAddresses reports the addresses that have ever been paid.
func usedAddresses(coins []*storedCoin) map[string]bool {
	used := make(map[string]bool, len(coins))
	for _, sc := range coins {
		used[sc.Address] = true
	}
	return used
}

func deleteStoredCoins(ctx context.Context, s logical.Storage, walletName string) (int, error) {
	prefix := coinStoragePrefix + walletName + "/"
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("error listing coins: %w", err)
	}
	for _, entry := range entries {
		if err := s.Delete(ctx, prefix+entry); err != nil {
			return 0, fmt.Errorf("error deleting coin: %w", err)
		}
	}
	return len(entries), nil
}
