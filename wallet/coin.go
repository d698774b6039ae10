package wallet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Coin is an unspent output the wallet can spend. It is consumed whole.
type Coin struct {
	OutPoint   wire.OutPoint
	Amount     btcutil.Amount
	PkScript   []byte
	Address    string // owning address, used to resolve the signing key
	ScriptType string // p2wpkh, p2tr or p2pkh - determines signing method
}

// NewCoin builds a coin paying to address, deriving its script from the
// address itself.
func NewCoin(txid string, vout uint32, amount btcutil.Amount, address string, params *chaincfg.Params) (Coin, error) {
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return Coin{}, fmt.Errorf("invalid txid %s: %w", txid, err)
	}

	pkScript, err := ScriptForAddress(address, params)
	if err != nil {
		return Coin{}, err
	}

	scriptType, err := ScriptType(pkScript)
	if err != nil {
		return Coin{}, err
	}

	return Coin{
		OutPoint:   *wire.NewOutPoint(txHash, vout),
		Amount:     amount,
		PkScript:   pkScript,
		Address:    address,
		ScriptType: scriptType,
	}, nil
}

// TxOut returns the output this coin refers to.
func (c Coin) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(c.Amount), c.PkScript)
}

// ParseOutPoint parses the txid:vout form.
func ParseOutPoint(s string) (wire.OutPoint, error) {
	op, err := wire.NewOutPointFromString(s)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s, err)
	}
	return *op, nil
}

// SumCoins totals the coin amounts.
func SumCoins(coins []Coin) btcutil.Amount {
	var total btcutil.Amount
	for _, c := range coins {
		total += c.Amount
	}
	return total
}

// OutPoints returns the outpoints of the coins in order.
func OutPoints(coins []Coin) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(coins))
	for i, c := range coins {
		ops[i] = c.OutPoint
	}
	return ops
}

func sortCoins(coins []Coin) {
	sort.Slice(coins, func(i, j int) bool {
		if c := bytes.Compare(coins[i].OutPoint.Hash[:], coins[j].OutPoint.Hash[:]); c != 0 {
			return c < 0
		}
		return coins[i].OutPoint.Index < coins[j].OutPoint.Index
	})
}
