package btc

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const (
	coinStateAvailable = "available"
	coinStateReserved  = "reserved"
	coinStateSpent     = "spent"
)

func pathWalletCoins(b *btcBackend) []*framework.Path {
	nameField := &framework.FieldSchema{
		Type:        framework.TypeLowerCaseString,
		Description: "Name of the wallet",
		Required:    true,
	}
	outpointsField := &framework.FieldSchema{
		Type:        framework.TypeCommaStringSlice,
		Description: "Outpoints in txid:vout form",
		Required:    true,
	}

	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/coins$",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": nameField,
				"txid": {
					Type:        framework.TypeString,
					Description: "Transaction id of the funding output",
				},
				"vout": {
					Type:        framework.TypeInt,
					Description: "Output index of the funding output",
				},
				"amount": {
					Type:        framework.TypeInt,
					Description: "Output value in satoshis",
				},
				"address": {
					Type:        framework.TypeString,
					Description: "Wallet address the output pays",
				},
				"script_type": {
					Type:        framework.TypeString,
					Description: "Script type reported by the funding source (optional, checked against the address)",
				},
				"height": {
					Type:        framework.TypeInt,
					Description: "Block height of the funding transaction (optional)",
				},
				"include_spent": {
					Type:        framework.TypeBool,
					Description: "Include spent coins when listing (default: false)",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-record",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-record",
					},
				},
			},
			ExistenceCheck:  b.pathWalletCoinsExistenceCheck,
			HelpSynopsis:    pathWalletCoinsHelpSynopsis,
			HelpDescription: pathWalletCoinsHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/coins/scan",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": nameField,
				"min_confirmations": {
					Type:        framework.TypeInt,
					Description: "Minimum confirmations for a coin to be recorded (default: from config)",
					Default:     -1,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsScan,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-scan",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsScan,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-scan",
					},
				},
			},
			ExistenceCheck:  b.pathWalletCoinsExistenceCheck,
			HelpSynopsis:    pathWalletCoinsScanHelpSynopsis,
			HelpDescription: pathWalletCoinsScanHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/coins/release",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name":      nameField,
				"outpoints": outpointsField,
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsRelease,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-release",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsRelease,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-release",
					},
				},
			},
			ExistenceCheck:  b.pathWalletCoinsExistenceCheck,
			HelpSynopsis:    pathWalletCoinsReleaseHelpSynopsis,
			HelpDescription: pathWalletCoinsReleaseHelpDescription,
		},
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/coins/spent",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name":      nameField,
				"outpoints": outpointsField,
				"txid": {
					Type:        framework.TypeString,
					Description: "Transaction that spent the coins (optional)",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsSpent,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-spent",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletCoinsSpent,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "coins-spent",
					},
				},
			},
			ExistenceCheck:  b.pathWalletCoinsExistenceCheck,
			HelpSynopsis:    pathWalletCoinsSpentHelpSynopsis,
			HelpDescription: pathWalletCoinsSpentHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletCoinsExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	return false, nil
}

func (b *btcBackend) pathWalletCoinsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	includeSpent := data.Get("include_spent").(bool)

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

	stored, err := getStoredCoins(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	registry, err := b.registries.GetRegistry(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	reserved := make(map[wire.OutPoint]bool)
	for _, c := range registry.Taken() {
		reserved[c.OutPoint] = true
	}

	var available, reservedAmount int64
	coinList := make([]map[string]interface{}, 0, len(stored))
	for _, sc := range stored {
		op, err := sc.outPoint()
		if err != nil {
			return nil, err
		}

		state := coinStateAvailable
		switch {
		case sc.Spent:
			state = coinStateSpent
		case reserved[op]:
			state = coinStateReserved
			reservedAmount += sc.Amount
		default:
			available += sc.Amount
		}

		if sc.Spent && !includeSpent {
			continue
		}

		entry := sc.toMap()
		entry["state"] = state
		coinList = append(coinList, entry)
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"coins":           coinList,
			"count":           len(coinList),
			"available":       available,
			"reserved":        reservedAmount,
			"available_coins": registry.Len(),
			"reserved_coins":  len(reserved),
		},
	}, nil
}

// pathWalletCoinsWrite records a funding output reported by the caller.
func (b *btcBackend) pathWalletCoinsWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	txid := data.Get("txid").(string)
	vout := data.Get("vout").(int)
	amount := int64(data.Get("amount").(int))
	address := data.Get("address").(string)
	height := int64(data.Get("height").(int))

	if txid == "" || address == "" {
		return logical.ErrorResponse("txid and address are required"), nil
	}
	if vout < 0 {
		return logical.ErrorResponse("vout must not be negative"), nil
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return logical.ErrorResponse("invalid txid: %s", err.Error()), nil
	}

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

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	_, byAddress := addressSet(addresses)

	owner, ok := byAddress[address]
	if !ok {
		return logical.ErrorResponse("address %s is not a derived address of wallet %q", address, name), nil
	}

	obs := wallet.Observation{
		OutPoint:   *wire.NewOutPoint(hash, uint32(vout)),
		Amount:     btcutil.Amount(amount),
		Address:    address,
		ScriptType: data.Get("script_type").(string),
	}

	coin, resp, err := b.recordObservation(ctx, req.Storage, w, owner, obs, height)
	if err != nil || resp != nil {
		return resp, err
	}

	b.Logger().Info("coin recorded", "wallet", name, "outpoint", coin.OutPoint.String(), "amount", amount)

	sc := newStoredCoin(coin, height)
	return &logical.Response{Data: sc.toMap()}, nil
}

// recordObservation validates an observation against the owning address
// and tracks it in the registry and storage. Validation and duplicate
// failures are reported as an error response.
func (b *btcBackend) recordObservation(ctx context.Context, s logical.Storage, w *btcWallet, owner storedAddress,
	obs wallet.Observation, height int64) (wallet.Coin, *logical.Response, error) {

	params, err := w.params()
	if err != nil {
		return wallet.Coin{}, nil, err
	}

	coin, err := wallet.ObserveUnspent(obs, owner.ScriptType, params)
	if err != nil {
		return wallet.Coin{}, errorResponseFor(err), nil
	}

	registry, err := b.registries.GetRegistry(ctx, s, w.Name)
	if err != nil {
		return wallet.Coin{}, nil, err
	}

	if err := registry.Record(coin); err != nil {
		return wallet.Coin{}, errorResponseFor(err), nil
	}

	if err := putStoredCoin(ctx, s, w.Name, newStoredCoin(coin, height)); err != nil {
		// Reload from storage so the registry does not hold an unsaved coin.
		b.registries.Invalidate(w.Name)
		return wallet.Coin{}, nil, err
	}

	return coin, nil, nil
}

func (b *btcBackend) pathWalletCoinsScan(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	minConf := data.Get("min_confirmations").(int)

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

	if minConf < 0 {
		config, err := getEffectiveConfig(ctx, req.Storage)
		if err != nil {
			return nil, err
		}
		minConf = config.MinConfirmations
	}

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	client, err := b.getClient(ctx, req.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	tip, err := client.GetBlockHeight(ctx)
	if err != nil && b.handleClientError(err) {
		if client, err = b.getClient(ctx, req.Storage); err == nil {
			tip, err = client.GetBlockHeight(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}

	stored, err := getStoredCoins(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	tracked := make(map[wire.OutPoint]bool, len(stored))
	for _, sc := range stored {
		op, err := sc.outPoint()
		if err != nil {
			return nil, err
		}
		tracked[op] = true
	}

	b.Logger().Debug("scanning wallet", "wallet", name, "addresses", len(addresses), "tip", tip, "min_confirmations", minConf)

	var recorded, known, unconfirmed, rejected int
	var recordedAmount int64
	recordedList := make([]map[string]interface{}, 0)
	fetched := make(map[string]*wire.MsgTx)

	for _, addr := range addresses {
		unspent, err := client.ListUnspent(ctx, addr.ScriptHash)
		if err != nil && b.handleClientError(err) {
			if client, err = b.getClient(ctx, req.Storage); err == nil {
				unspent, err = client.ListUnspent(ctx, addr.ScriptHash)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list unspent outputs for %s: %w", addr.Address, err)
		}

		for _, u := range unspent {
			if u.Confirmations(tip) < int64(minConf) {
				unconfirmed++
				continue
			}

			hash, err := chainhash.NewHashFromStr(u.TxHash)
			if err != nil {
				b.Logger().Warn("server reported invalid txid", "address", addr.Address, "txid", u.TxHash)
				rejected++
				continue
			}

			op := *wire.NewOutPoint(hash, u.TxPos)
			if tracked[op] {
				known++
				continue
			}

			// The coin is recorded from the funding transaction itself, not
			// from the server's summary of it.
			tx, ok := fetched[u.TxHash]
			if !ok {
				tx, err = client.GetTransaction(ctx, u.TxHash)
				if err != nil && b.handleClientError(err) {
					if client, err = b.getClient(ctx, req.Storage); err == nil {
						tx, err = client.GetTransaction(ctx, u.TxHash)
					}
				}
				if err != nil {
					return nil, fmt.Errorf("failed to fetch transaction %s: %w", u.TxHash, err)
				}
				fetched[u.TxHash] = tx
			}

			if tx.TxHash() != *hash || int(u.TxPos) >= len(tx.TxOut) {
				b.Logger().Warn("server reported an output its transaction does not have", "address", addr.Address,
					"outpoint", op.String())
				rejected++
				continue
			}
			out := tx.TxOut[u.TxPos]
			if btcutil.Amount(out.Value) != u.Value {
				b.Logger().Warn("server reported value differs from transaction", "address", addr.Address,
					"outpoint", op.String(), "reported", int64(u.Value), "value", out.Value)
				rejected++
				continue
			}

			obs := wallet.Observation{
				OutPoint: op,
				Amount:   btcutil.Amount(out.Value),
				PkScript: out.PkScript,
				Address:  addr.Address,
			}

			coin, resp, err := b.recordObservation(ctx, req.Storage, w, addr, obs, u.Height)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				if errorKind(resp) == kindDuplicateOutPoint {
					known++
				} else {
					b.Logger().Warn("rejected scanned output", "address", addr.Address,
						"outpoint", obs.OutPoint.String(), "error", resp.Data["error"])
					rejected++
				}
				continue
			}

			recorded++
			recordedAmount += int64(coin.Amount)
			recordedList = append(recordedList, newStoredCoin(coin, u.Height).toMap())
		}
	}

	b.Logger().Info("wallet scanned", "wallet", name, "recorded", recorded, "known", known,
		"unconfirmed", unconfirmed, "rejected", rejected)

	return &logical.Response{
		Data: map[string]interface{}{
			"recorded":        recordedList,
			"recorded_count":  recorded,
			"recorded_amount": recordedAmount,
			"known_count":     known,
			"unconfirmed":     unconfirmed,
			"rejected":        rejected,
			"addresses":       len(addresses),
			"block_height":    tip,
		},
	}, nil
}

func (b *btcBackend) pathWalletCoinsRelease(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)

	outpoints, resp := parseOutPoints(data.Get("outpoints").([]string))
	if resp != nil {
		return resp, nil
	}

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

	// Loaded before the release so a storage failure leaves the coins taken.
	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}
	owned, _ := addressSet(addresses)

	registry, err := b.registries.GetRegistry(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if err := registry.Release(outpoints); err != nil {
		return errorResponseFor(err), nil
	}

	b.Logger().Info("coins released", "wallet", name, "count", len(outpoints))

	return &logical.Response{
		Data: map[string]interface{}{
			"released": len(outpoints),
			"balance":  int64(registry.TotalValue(owned...)),
		},
	}, nil
}

func (b *btcBackend) pathWalletCoinsSpent(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	txid := data.Get("txid").(string)

	outpoints, resp := parseOutPoints(data.Get("outpoints").([]string))
	if resp != nil {
		return resp, nil
	}

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

	registry, err := b.registries.GetRegistry(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	if err := registry.MarkSpent(outpoints); err != nil {
		return errorResponseFor(err), nil
	}

	if err := markStoredCoinsSpent(ctx, req.Storage, name, outpoints, txid); err != nil {
		return nil, err
	}

	b.Logger().Info("coins marked spent", "wallet", name, "count", len(outpoints), "txid", txid)

	return &logical.Response{
		Data: map[string]interface{}{
			"spent": len(outpoints),
		},
	}, nil
}

func parseOutPoints(raw []string) ([]wire.OutPoint, *logical.Response) {
	if len(raw) == 0 {
		return nil, logical.ErrorResponse("at least one outpoint is required")
	}

	outpoints := make([]wire.OutPoint, 0, len(raw))
	for _, s := range raw {
		op, err := wallet.ParseOutPoint(s)
		if err != nil {
			return nil, logical.ErrorResponse(err.Error())
		}
		outpoints = append(outpoints, op)
	}
	return outpoints, nil
}

// Error kinds reported alongside error responses.
const (
	kindDerivation        = "derivation"
	kindDuplicateOutPoint = "duplicate_outpoint"
	kindUnknownOutPoint   = "unknown_outpoint"
	kindAlreadySpent      = "already_spent"
	kindInsufficientFunds = "insufficient_funds"
	kindUnresolvableKey   = "unresolvable_key"
	kindDustOutput        = "dust_output"
	kindInvalidDest       = "invalid_destination"
	kindUnsupportedScript = "unsupported_script"
	kindUnexpectedScript  = "unexpected_script"
	kindInvalidSignature  = "invalid_signature"
	kindBuilderState      = "builder_state"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{wallet.ErrDerivation, kindDerivation},
	{wallet.ErrDuplicateOutPoint, kindDuplicateOutPoint},
	{wallet.ErrUnknownOutPoint, kindUnknownOutPoint},
	{wallet.ErrAlreadySpent, kindAlreadySpent},
	{wallet.ErrInsufficientFunds, kindInsufficientFunds},
	{wallet.ErrUnresolvableKey, kindUnresolvableKey},
	{wallet.ErrDustOutput, kindDustOutput},
	{wallet.ErrInvalidDestination, kindInvalidDest},
	{wallet.ErrUnsupportedScript, kindUnsupportedScript},
	{wallet.ErrUnexpectedScript, kindUnexpectedScript},
	{wallet.ErrInvalidSignature, kindInvalidSignature},
	{wallet.ErrBuilderState, kindBuilderState},
}

// errorResponseFor turns a wallet error into an error response carrying
// its kind.
func errorResponseFor(err error) *logical.Response {
	resp := logical.ErrorResponse(err.Error())
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			resp.Data["error_kind"] = k.kind
			break
		}
	}
	return resp
}

func errorKind(resp *logical.Response) string {
	if resp == nil || resp.Data == nil {
		return ""
	}
	kind, _ := resp.Data["error_kind"].(string)
	return kind
}

const pathWalletCoinsHelpSynopsis = `
List or record the coins of a wallet.
`

const pathWalletCoinsHelpDescription = `
READ: List the coins recorded for a wallet.

Each coin has a state:
  - available: can be used as a build input
  - reserved:  taken by a build that has not been settled
  - spent:     consumed by a transaction (listed with include_spent=true)

Example:
  $ vault read btc/wallets/my-wallet/coins

WRITE: Record a funding output paying one of the wallet's addresses.

Parameters:
  - txid, vout: The funding outpoint
  - amount: Value in satoshis
  - address: The wallet address the output pays
  - script_type: Optional script type reported by the source
  - height: Optional block height

The output must pay the address's own script with the wallet's script type.
Recording an outpoint that is already tracked fails with duplicate_outpoint.

Example:
  $ vault write btc/wallets/my-wallet/coins \
      txid=4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b \
      vout=1 amount=5000000000 address=bcrt1q...
`

const pathWalletCoinsScanHelpSynopsis = `
Record coins found by an Electrum scan of the wallet's addresses.
`

const pathWalletCoinsScanHelpDescription = `
Lists the unspent outputs of every derived address on the configured
Electrum server and records the ones with enough confirmations. Outputs that
are already tracked are counted as known; outputs that fail validation are
counted as rejected.

Parameters:
  - min_confirmations: Override the configured minimum (default: from config)

Example:
  $ vault write btc/wallets/my-wallet/coins/scan
`

const pathWalletCoinsReleaseHelpSynopsis = `
Return reserved coins to the wallet.
`

const pathWalletCoinsReleaseHelpDescription = `
Releases coins reserved by a build that was not broadcast, making them
available again. Every outpoint must currently be reserved; otherwise none
are released.

Example:
  $ vault write btc/wallets/my-wallet/coins/release \
      outpoints="<txid>:0,<txid>:1"
`

const pathWalletCoinsSpentHelpSynopsis = `
Confirm reserved coins as spent.
`

const pathWalletCoinsSpentHelpDescription = `
Marks coins reserved by a build as spent after the transaction was submitted
elsewhere. Spent coins are never available again. Every outpoint must
currently be reserved; otherwise none are marked.

Example:
  $ vault write btc/wallets/my-wallet/coins/spent \
      outpoints="<txid>:0,<txid>:1" txid=<spending txid>
`
