package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Observation is an unspent output reported by chain state (a block, a
// node, an Electrum scan) as paying to one of our addresses.
type Observation struct {
	OutPoint   wire.OutPoint
	Amount     btcutil.Amount
	Address    string
	ScriptType string // as reported; empty if the source does not say
	PkScript   []byte // as seen on chain; empty if the source does not say
}

// ObserveUnspent validates an observation and turns it into a coin. The
// output must pay exactly the owning address's script, and that script must
// be of expectedType.
func ObserveUnspent(obs Observation, expectedType string, params *chaincfg.Params) (Coin, error) {
	if obs.Amount <= 0 || obs.Amount > btcutil.MaxSatoshi {
		return Coin{}, fmt.Errorf("%w: %v has out of range amount %d", ErrUnexpectedScript, obs.OutPoint, obs.Amount)
	}

	pkScript, err := ScriptForAddress(obs.Address, params)
	if err != nil {
		return Coin{}, err
	}
	if len(obs.PkScript) > 0 && !bytes.Equal(obs.PkScript, pkScript) {
		return Coin{}, fmt.Errorf("%w: %v does not pay %s", ErrUnexpectedScript, obs.OutPoint, obs.Address)
	}

	scriptType, err := checkScriptType(pkScript, expectedType)
	if err != nil {
		return Coin{}, fmt.Errorf("%v: %w", obs.OutPoint, err)
	}
	if obs.ScriptType != "" && obs.ScriptType != scriptType {
		return Coin{}, fmt.Errorf("%w: %v reported as %s, script is %s",
			ErrUnexpectedScript, obs.OutPoint, obs.ScriptType, scriptType)
	}

	return Coin{
		OutPoint:   obs.OutPoint,
		Amount:     obs.Amount,
		PkScript:   pkScript,
		Address:    obs.Address,
		ScriptType: scriptType,
	}, nil
}

// ObserveOutputs returns a coin for every output of tx that pays owner. It
// fails if no output pays owner, or if the owner's script is not of
// expectedType. Output positions are never assumed.
func ObserveOutputs(tx *wire.MsgTx, owner btcutil.Address, expectedType string) ([]Coin, error) {
	ownerScript, err := txscript.PayToAddrScript(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedScript, owner, err)
	}

	scriptType, err := checkScriptType(ownerScript, expectedType)
	if err != nil {
		return nil, err
	}

	txHash := tx.TxHash()
	var coins []Coin
	for i, out := range tx.TxOut {
		if !bytes.Equal(out.PkScript, ownerScript) || out.Value <= 0 {
			continue
		}
		coins = append(coins, Coin{
			OutPoint:   *wire.NewOutPoint(&txHash, uint32(i)),
			Amount:     btcutil.Amount(out.Value),
			PkScript:   out.PkScript,
			Address:    owner.EncodeAddress(),
			ScriptType: scriptType,
		})
	}

	if len(coins) == 0 {
		return nil, fmt.Errorf("%w: transaction %s pays nothing to %s", ErrUnexpectedScript, txHash, owner)
	}
	return coins, nil
}

func checkScriptType(pkScript []byte, expectedType string) (string, error) {
	scriptType, err := ScriptType(pkScript)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedScript, err)
	}
	if expectedType != "" && scriptType != expectedType {
		return "", fmt.Errorf("%w: expected %s output, got %s", ErrUnexpectedScript, expectedType, scriptType)
	}
	return scriptType, nil
}
