package btc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const (
	buildFormatHex  = "hex"
	buildFormatPSBT = "psbt"
)

// buildDestination is one entry of the destinations JSON. A zero amount
// asks for an equal share of the remaining value.
type buildDestination struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

func pathWalletBuild(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/build",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"destinations": {
					Type:        framework.TypeString,
					Description: `JSON array of outputs: [{"address":"...","amount":1000}]. Amount 0 takes an equal share.`,
				},
				"split_to": {
					Type:        framework.TypeCommaStringSlice,
					Description: "Addresses sharing the remaining value equally, after any fixed destinations",
				},
				"fee": {
					Type:        framework.TypeInt,
					Description: "Absolute fee in satoshis",
					Required:    true,
				},
				"change_address": {
					Type:        framework.TypeString,
					Description: "Address receiving the split remainder (default: added to the last destination)",
				},
				"outpoints": {
					Type:        framework.TypeCommaStringSlice,
					Description: "Coins to spend in txid:vout form (default: every available coin)",
				},
				"broadcast": {
					Type:        framework.TypeBool,
					Description: "Submit the transaction through Electrum (default: false)",
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Encoding of the returned transaction: 'hex' or 'psbt' (default: hex)",
					Default:     buildFormatHex,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletBuild,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "build",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletBuild,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "build",
					},
				},
			},
			ExistenceCheck:  b.pathWalletBuildExistenceCheck,
			HelpSynopsis:    pathWalletBuildHelpSynopsis,
			HelpDescription: pathWalletBuildHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletBuildExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	return false, nil
}

func (b *btcBackend) pathWalletBuild(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	fee := int64(data.Get("fee").(int))
	changeAddress := data.Get("change_address").(string)
	broadcast := data.Get("broadcast").(bool)
	format := data.Get("format").(string)

	if fee < 0 {
		return logical.ErrorResponse("fee must not be negative"), nil
	}
	if format != buildFormatHex && format != buildFormatPSBT {
		return logical.ErrorResponse("format must be %q or %q", buildFormatHex, buildFormatPSBT), nil
	}

	destinations, resp := parseDestinations(data)
	if resp != nil {
		return resp, nil
	}

	var requested []wire.OutPoint
	if raw, ok := data.GetOk("outpoints"); ok {
		if requested, resp = parseOutPoints(raw.([]string)); resp != nil {
			return resp, nil
		}
	}

	b.Logger().Debug("build request", "wallet", name, "destinations", len(destinations),
		"fee", fee, "outpoints", len(requested), "broadcast", broadcast)

	// Builds share the read lock; the registry decides which build gets
	// each coin.
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

	params, err := w.params()
	if err != nil {
		return nil, err
	}

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	list, byAddress := addressSet(addresses)

	registry, err := b.registries.GetRegistry(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if requested == nil {
		requested = wallet.OutPoints(registry.Available(list...))
		if len(requested) == 0 {
			return errorResponseFor(fmt.Errorf("%w: wallet %q has no available coins", wallet.ErrInsufficientFunds, name)), nil
		}
	}

	coins, err := registry.Take(requested)
	if err != nil {
		return errorResponseFor(err), nil
	}

	release := func(reason string) {
		if err := registry.Release(requested); err != nil {
			b.Logger().Error("failed to release coins", "wallet", name, "reason", reason, "error", err)
			return
		}
		b.Logger().Debug("coins released", "wallet", name, "reason", reason, "count", len(requested))
	}

	keyring, err := w.keyring(coins, byAddress)
	if err != nil {
		release("key derivation failed")
		return nil, err
	}

	signed, err := wallet.BuildTransaction(params, coins, destinations, btcutil.Amount(fee), changeAddress, keyring)
	if err != nil {
		release("build failed")
		b.Logger().Debug("build failed", "wallet", name, "error", err)
		return errorResponseFor(err), nil
	}

	respData, err := buildResponse(signed, format, params)
	if err != nil {
		release("encoding failed")
		return nil, err
	}

	b.Logger().Info("transaction built", "wallet", name, "txid", signed.TxID, "inputs", len(coins),
		"outputs", len(signed.MsgTx().TxOut), "fee", int64(signed.Fee))

	if !broadcast {
		respData["broadcast"] = false
		respData["reserved"] = true
		return &logical.Response{Data: respData}, nil
	}

	txid, err := b.broadcast(ctx, req.Storage, signed.MsgTx())
	if err != nil {
		release("broadcast failed")
		b.Logger().Warn("broadcast failed", "wallet", name, "txid", signed.TxID, "error", err)
		resp := logical.ErrorResponse("broadcast failed: %s", err.Error())
		resp.Data["error_kind"] = "broadcast"
		resp.Data["txid"] = signed.TxID
		return resp, nil
	}

	if err := registry.MarkSpent(requested); err != nil {
		return nil, fmt.Errorf("transaction %s broadcast but coins could not be marked spent: %w", txid, err)
	}
	if err := markStoredCoinsSpent(ctx, req.Storage, name, requested, txid); err != nil {
		return nil, fmt.Errorf("transaction %s broadcast but coins could not be saved as spent: %w", txid, err)
	}

	b.Logger().Info("transaction broadcast", "wallet", name, "txid", txid, "fee", int64(signed.Fee))

	respData["broadcast"] = true
	respData["reserved"] = false
	return &logical.Response{Data: respData}, nil
}

// broadcast submits tx, reconnecting once on a stale connection.
func (b *btcBackend) broadcast(ctx context.Context, s logical.Storage, tx *wire.MsgTx) (string, error) {
	client, err := b.getClient(ctx, s)
	if err != nil {
		return "", fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	txid, err := client.BroadcastTransaction(ctx, tx)
	if err != nil && b.handleClientError(err) {
		if client, err = b.getClient(ctx, s); err == nil {
			txid, err = client.BroadcastTransaction(ctx, tx)
		}
	}
	return txid, err
}

// parseDestinations combines the destinations JSON with the split_to list.
func parseDestinations(data *framework.FieldData) ([]wallet.Destination, *logical.Response) {
	var destinations []wallet.Destination

	if raw := data.Get("destinations").(string); raw != "" {
		var parsed []buildDestination
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, logical.ErrorResponse("invalid destinations JSON: %s", err.Error())
		}
		for i, d := range parsed {
			if d.Amount < 0 {
				return nil, logical.ErrorResponse("destination %d: amount must not be negative", i)
			}
			destinations = append(destinations, wallet.Destination{
				Address: d.Address,
				Amount:  btcutil.Amount(d.Amount),
			})
		}
	}

	if raw, ok := data.GetOk("split_to"); ok {
		destinations = append(destinations, wallet.EqualSplit(raw.([]string)...)...)
	}

	if len(destinations) == 0 {
		return nil, logical.ErrorResponse("at least one destination is required (destinations or split_to)")
	}
	return destinations, nil
}

// keyring derives the keys owning the given coins again from the seed.
// Coins paying an address the wallet never derived get no key and fail at
// signing.
func (w *btcWallet) keyring(coins []wallet.Coin, byAddress map[string]storedAddress) (*wallet.Keyring, error) {
	params, err := w.params()
	if err != nil {
		return nil, err
	}
	tmpl, err := w.template()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(coins))
	pairs := make([]wallet.AddressKeyPair, 0, len(coins))
	for _, c := range coins {
		owner, ok := byAddress[c.Address]
		if !ok || seen[c.Address] {
			continue
		}
		seen[c.Address] = true

		res, err := wallet.Derive(w.Seed, tmpl, owner.Index, 1, params)
		if err != nil {
			return nil, err
		}
		if len(res.Pairs) != 1 || res.Pairs[0].Address.EncodeAddress() != c.Address {
			return nil, fmt.Errorf("%w: index %d no longer derives %s", wallet.ErrDerivation, owner.Index, c.Address)
		}
		pairs = append(pairs, res.Pairs[0])
	}

	return wallet.NewKeyring(pairs...)
}

func buildResponse(signed *wallet.SignedTransaction, format string, params *chaincfg.Params) (map[string]interface{}, error) {
	tx := signed.MsgTx()

	inputs := make([]string, len(tx.TxIn))
	for i, in := range tx.TxIn {
		inputs[i] = in.PreviousOutPoint.String()
	}

	outputs := make([]map[string]interface{}, len(tx.TxOut))
	for i, out := range tx.TxOut {
		entry := map[string]interface{}{
			"index":  i,
			"amount": out.Value,
			"change": i == signed.ChangeIndex,
		}
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params); err == nil && len(addrs) == 1 {
			entry["address"] = addrs[0].EncodeAddress()
		}
		outputs[i] = entry
	}

	respData := map[string]interface{}{
		"txid":          signed.TxID,
		"fee":           int64(signed.Fee),
		"total_input":   int64(signed.TotalInput),
		"total_output":  int64(signed.TotalOutput),
		"change_amount": int64(signed.ChangeAmount),
		"size":          signed.Size,
		"vsize":         signed.VSize,
		"inputs":        inputs,
		"outputs":       outputs,
	}

	switch format {
	case buildFormatPSBT:
		packet, err := signed.Packet()
		if err != nil {
			return nil, fmt.Errorf("failed to create PSBT: %w", err)
		}
		encoded, err := packet.B64Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode PSBT: %w", err)
		}
		respData["psbt"] = encoded
	default:
		rawHex, err := signed.Hex()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize transaction: %w", err)
		}
		respData["hex"] = rawHex
	}

	return respData, nil
}

const pathWalletBuildHelpSynopsis = `
Build and sign a transaction spending the wallet's coins.
`

const pathWalletBuildHelpDescription = `
Builds a fully signed transaction from the wallet's coins. Every input is
consumed whole; the fee is an absolute amount in satoshis.

Outputs:
  - destinations: JSON array of {"address","amount"}; amount 0 shares equally
  - split_to: comma separated addresses sharing equally
  Fixed amounts are paid first. The rest (inputs - fee - fixed) is divided
  by the number of sharing outputs, rounding down. The remainder goes to
  change_address when given and not dust, otherwise to the last destination.
  Inputs always equal outputs plus fee exactly.

Inputs:
  - outpoints: the coins to spend (default: every available coin)
  The coins are reserved atomically. A coin already reserved by another
  build fails this build with already_spent. When the build fails the coins
  are released again.

Settlement:
  - broadcast=true submits through Electrum and marks the coins spent.
  - broadcast=false returns the transaction and keeps the coins reserved
    until btc/wallets/:name/coins/spent or .../coins/release is called.
    Reservations are held in memory and do not survive a plugin restart.

Errors carry an error_kind: insufficient_funds, dust_output,
invalid_destination, unknown_outpoint, already_spent, unresolvable_key,
invalid_signature or broadcast.

Example - split everything across three addresses:
  $ vault write btc/wallets/miner/build fee=10000 \
      split_to="bcrt1q...,bcrt1q...,bcrt1q..." \
      change_address=bcrt1q... broadcast=true

Example - one fixed payment, the rest split:
  $ vault write btc/wallets/miner/build fee=2000 \
      destinations='[{"address":"bc1q...","amount":150000},{"address":"bc1q..."}]' \
      format=psbt
`
