package btc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/stretchr/testify/require"

	"github.com/djschnei21/vault-plugin-btc-builder/electrum"
	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeChain stands in for the Electrum server.
type fakeChain struct {
	mu           sync.Mutex
	height       int64
	unspent      map[string][]electrum.Unspent
	txs          map[string]*wire.MsgTx
	broadcasts   []*wire.MsgTx
	broadcastErr error
	pingErr      error
	dials        int
	pings        int
}

// fund adds a transaction paying amount to pkScript at vout and returns the
// unspent output the server reports for it.
func (f *fakeChain) fund(seq byte, pkScript []byte, vout uint32, amount int64, height int64) electrum.Unspent {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{seq}, 0), nil, nil))
	for i := uint32(0); i < vout; i++ {
		tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	}
	tx.AddTxOut(wire.NewTxOut(amount, pkScript))

	f.mu.Lock()
	defer f.mu.Unlock()
	txid := tx.TxHash().String()
	f.txs[txid] = tx
	return electrum.Unspent{TxHash: txid, TxPos: vout, Height: height, Value: btcutil.Amount(amount)}
}

func (f *fakeChain) ListUnspent(ctx context.Context, scriptHash string) ([]electrum.Unspent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unspent[scriptHash], nil
}

func (f *fakeChain) GetBlockHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return nil, &electrum.ServerError{Method: "blockchain.transaction.get", Code: 2, Message: "unknown txid"}
	}
	return tx, nil
}

func (f *fakeChain) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeChain) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, tx)
	return tx.TxHash().String(), nil
}

func (f *fakeChain) Close() error {
	return nil
}

type testEnv struct {
	b       *btcBackend
	storage logical.Storage
	chain   *fakeChain
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	config := logical.TestBackendConfig()
	config.StorageView = &logical.InmemStorage{}
	config.Logger = hclog.NewNullLogger()

	raw, err := Factory(context.Background(), config)
	require.NoError(t, err)

	env := &testEnv{
		b:       raw.(*btcBackend),
		storage: config.StorageView,
		chain: &fakeChain{
			height:  200,
			unspent: make(map[string][]electrum.Unspent),
			txs:     make(map[string]*wire.MsgTx),
		},
	}
	env.b.dial = func(ctx context.Context, url string) (chainClient, error) {
		env.chain.mu.Lock()
		env.chain.dials++
		env.chain.mu.Unlock()
		return env.chain, nil
	}

	env.request(t, logical.CreateOperation, "config", map[string]interface{}{
		"network":      "regtest",
		"electrum_url": "tcp://127.0.0.1:50001",
	})
	return env
}

func (e *testEnv) do(t *testing.T, op logical.Operation, path string, data map[string]interface{}) *logical.Response {
	t.Helper()
	resp, err := e.b.HandleRequest(context.Background(), &logical.Request{
		Operation: op,
		Path:      path,
		Storage:   e.storage,
		Data:      data,
	})
	require.NoError(t, err)
	return resp
}

// request fails the test on an error response.
func (e *testEnv) request(t *testing.T, op logical.Operation, path string, data map[string]interface{}) *logical.Response {
	t.Helper()
	resp := e.do(t, op, path, data)
	if resp != nil {
		require.False(t, resp.IsError(), "unexpected error response: %v", resp.Data)
	}
	return resp
}

func (e *testEnv) createWallet(t *testing.T, name string, data map[string]interface{}) *logical.Response {
	t.Helper()
	return e.request(t, logical.CreateOperation, "wallets/"+name, data)
}

func (e *testEnv) addresses(t *testing.T, name string) []string {
	t.Helper()
	resp := e.request(t, logical.ReadOperation, "wallets/"+name+"/addresses", nil)
	list := resp.Data["addresses"].([]map[string]interface{})
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a["address"].(string)
	}
	return out
}

func (e *testEnv) recordCoin(t *testing.T, name string, n int, amount int64, address string) string {
	t.Helper()
	txid := fmt.Sprintf("%064x", n)
	e.request(t, logical.UpdateOperation, "wallets/"+name+"/coins", map[string]interface{}{
		"txid":    txid,
		"vout":    0,
		"amount":  amount,
		"address": address,
	})
	return txid + ":0"
}

func requireErrorKind(t *testing.T, resp *logical.Response, kind string) {
	t.Helper()
	require.NotNil(t, resp)
	require.True(t, resp.IsError(), "expected error response, got %v", resp.Data)
	require.Equal(t, kind, resp.Data["error_kind"], "error: %v", resp.Data["error"])
}

func outputAmounts(resp *logical.Response) []int64 {
	outputs := resp.Data["outputs"].([]map[string]interface{})
	amounts := make([]int64, len(outputs))
	for i, o := range outputs {
		amounts[i] = o["amount"].(int64)
	}
	return amounts
}

func TestConfig(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, logical.ReadOperation, "config", nil)
	require.Equal(t, "regtest", resp.Data["network"])
	require.Equal(t, 1, resp.Data["min_confirmations"])
	require.Equal(t, "m/84'/1'/0'/1'/*'", resp.Data["path_template"])
	require.Equal(t, wallet.AddressTypeP2WPKH, resp.Data["address_type"])

	t.Run("rejects unknown network", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "config", map[string]interface{}{"network": "dogecoin"})
		require.True(t, resp.IsError())
	})

	t.Run("rejects bad template", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "config", map[string]interface{}{"path_template": "m/84'/0'"})
		require.True(t, resp.IsError())
	})

	t.Run("taproot template", func(t *testing.T) {
		env.request(t, logical.UpdateOperation, "config", map[string]interface{}{"path_template": "m/86'/1'/0'/0/*"})
		resp := env.request(t, logical.ReadOperation, "config", nil)
		require.Equal(t, wallet.AddressTypeP2TR, resp.Data["address_type"])
	})

	t.Run("delete", func(t *testing.T) {
		env.request(t, logical.DeleteOperation, "config", nil)
		resp := env.request(t, logical.ReadOperation, "config", nil)
		require.Nil(t, resp)
	})
}

func TestWalletCreate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.createWallet(t, "miner", map[string]interface{}{
		"mnemonic":          testMnemonic,
		"initial_addresses": 3,
	})
	require.Equal(t, uint32(3), resp.Data["next_index"])
	require.Equal(t, 3, resp.Data["address_count"])
	require.Equal(t, "regtest", resp.Data["network"])
	require.Equal(t, "m/84'/1'/0'/1'/*'", resp.Data["path_template"])
	require.Equal(t, int64(0), resp.Data["balance"])
	require.True(t, resp.Data["from_mnemonic"].(bool))
	require.NotContains(t, resp.Data, "mnemonic")

	addrs := env.addresses(t, "miner")
	require.Len(t, addrs, 3)
	require.Equal(t, addrs[0], resp.Data["receive_address"])
	for _, a := range addrs {
		require.True(t, strings.HasPrefix(a, "bcrt1q"), a)
	}

	t.Run("same mnemonic derives the same addresses", func(t *testing.T) {
		env.createWallet(t, "restored", map[string]interface{}{
			"mnemonic":          testMnemonic,
			"initial_addresses": 3,
		})
		require.Equal(t, addrs, env.addresses(t, "restored"))
	})

	t.Run("passphrase changes the seed", func(t *testing.T) {
		env.createWallet(t, "hidden", map[string]interface{}{
			"mnemonic":          testMnemonic,
			"passphrase":        "TREZOR",
			"initial_addresses": 1,
		})
		require.NotEqual(t, addrs[0], env.addresses(t, "hidden")[0])
	})

	t.Run("generated mnemonic is returned once", func(t *testing.T) {
		resp := env.createWallet(t, "fresh", map[string]interface{}{"generate_mnemonic": true})
		mnemonic, ok := resp.Data["mnemonic"].(string)
		require.True(t, ok)
		require.Len(t, strings.Fields(mnemonic), 12)
		require.NotEmpty(t, resp.Warnings)

		read := env.request(t, logical.ReadOperation, "wallets/fresh", nil)
		require.NotContains(t, read.Data, "mnemonic")
		require.Equal(t, 5, read.Data["address_count"])
	})

	t.Run("taproot wallet", func(t *testing.T) {
		env.createWallet(t, "taproot", map[string]interface{}{
			"path_template":     "m/86'/1'/0'/0/*",
			"initial_addresses": 1,
		})
		require.True(t, strings.HasPrefix(env.addresses(t, "taproot")[0], "bcrt1p"))
	})

	t.Run("invalid mnemonic", func(t *testing.T) {
		resp := env.do(t, logical.CreateOperation, "wallets/broken", map[string]interface{}{"mnemonic": "not a mnemonic"})
		require.True(t, resp.IsError())
	})

	t.Run("seed cannot be replaced", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner", map[string]interface{}{"mnemonic": testMnemonic})
		require.True(t, resp.IsError())
	})

	t.Run("list and delete", func(t *testing.T) {
		resp := env.request(t, logical.ListOperation, "wallets/", nil)
		require.Contains(t, resp.Data["keys"], "miner")

		env.request(t, logical.DeleteOperation, "wallets/restored", nil)
		require.Nil(t, env.request(t, logical.ReadOperation, "wallets/restored", nil))

		keys, err := env.storage.List(context.Background(), addressStoragePrefix+"restored/")
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}

func TestWalletAddressesCounter(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 2})

	resp := env.request(t, logical.UpdateOperation, "wallets/miner/addresses", map[string]interface{}{"count": 4})
	require.Equal(t, uint32(2), resp.Data["start_index"])
	require.Equal(t, uint32(6), resp.Data["next_index"])
	require.Equal(t, 4, resp.Data["count"])

	derived := resp.Data["addresses"].([]map[string]interface{})
	require.Equal(t, uint32(2), derived[0]["index"])
	require.Equal(t, "m/84'/1'/0'/1'/5'", derived[3]["derivation_path"])

	all := env.addresses(t, "miner")
	require.Len(t, all, 6)
	seen := make(map[string]bool)
	for _, a := range all {
		require.False(t, seen[a], "address %s derived twice", a)
		seen[a] = true
	}

	t.Run("bounds", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner/addresses", map[string]interface{}{"count": 0})
		require.True(t, resp.IsError())
		resp = env.do(t, logical.UpdateOperation, "wallets/miner/addresses", map[string]interface{}{"count": 101})
		require.True(t, resp.IsError())
	})

	t.Run("concurrent derivation never reuses an index", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.request(t, logical.UpdateOperation, "wallets/miner/addresses", map[string]interface{}{"count": 2})
			}()
		}
		wg.Wait()

		resp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
		require.Equal(t, uint32(22), resp.Data["next_index"])
		require.Len(t, env.addresses(t, "miner"), 22)
	})

	t.Run("large batch matches sequential derivation", func(t *testing.T) {
		resp := env.request(t, logical.UpdateOperation, "wallets/miner/addresses", map[string]interface{}{"count": 60})
		require.Equal(t, 60, resp.Data["count"])
		require.Equal(t, uint32(82), resp.Data["next_index"])

		seed, err := wallet.NewSeedFromMnemonic(testMnemonic, "")
		require.NoError(t, err)
		tmpl := wallet.DefaultPathTemplate(&chaincfg.RegressionNetParams)
		want, err := wallet.Derive(seed, tmpl, 22, 60, &chaincfg.RegressionNetParams)
		require.NoError(t, err)

		derived := resp.Data["addresses"].([]map[string]interface{})
		require.Len(t, derived, len(want.Pairs))
		for i, p := range want.Pairs {
			require.Equal(t, p.Address.EncodeAddress(), derived[i]["address"], "index %d", p.Index)
			require.Equal(t, p.Index, derived[i]["index"])
		}
	})
}

func TestWalletCoins(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 3})
	addrs := env.addresses(t, "miner")

	op := env.recordCoin(t, "miner", 1, 100_000_000, addrs[0])
	env.recordCoin(t, "miner", 2, 50_000_000, addrs[1])

	resp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
	require.Equal(t, int64(150_000_000), resp.Data["balance"])
	require.Equal(t, 2, resp.Data["available_coins"])
	require.Equal(t, addrs[2], resp.Data["receive_address"])

	t.Run("duplicate outpoint", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner/coins", map[string]interface{}{
			"txid": fmt.Sprintf("%064x", 1), "vout": 0, "amount": 1000, "address": addrs[2],
		})
		requireErrorKind(t, resp, kindDuplicateOutPoint)
	})

	t.Run("foreign address", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner/coins", map[string]interface{}{
			"txid": fmt.Sprintf("%064x", 9), "vout": 0, "amount": 1000,
			"address": "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		})
		require.True(t, resp.IsError())
	})

	t.Run("reported script type disagrees", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner/coins", map[string]interface{}{
			"txid": fmt.Sprintf("%064x", 10), "vout": 0, "amount": 1000,
			"address": addrs[2], "script_type": wallet.AddressTypeP2TR,
		})
		requireErrorKind(t, resp, kindUnexpectedScript)
	})

	t.Run("registry survives a reload", func(t *testing.T) {
		env.b.registries.Invalidate("miner")
		resp := env.request(t, logical.ReadOperation, "wallets/miner/coins", nil)
		require.Equal(t, 2, resp.Data["count"])
		require.Equal(t, int64(150_000_000), resp.Data["available"])
	})

	t.Run("release and spent require a reservation", func(t *testing.T) {
		resp := env.do(t, logical.UpdateOperation, "wallets/miner/coins/release", map[string]interface{}{"outpoints": op})
		requireErrorKind(t, resp, kindUnknownOutPoint)
		resp = env.do(t, logical.UpdateOperation, "wallets/miner/coins/spent", map[string]interface{}{"outpoints": op})
		requireErrorKind(t, resp, kindUnknownOutPoint)
	})

	t.Run("release reports unreadable addresses", func(t *testing.T) {
		ctx := context.Background()
		registry, err := env.b.registries.GetRegistry(ctx, env.storage, "miner")
		require.NoError(t, err)
		outpoint, err := wallet.ParseOutPoint(op)
		require.NoError(t, err)
		_, err = registry.Take([]wire.OutPoint{outpoint})
		require.NoError(t, err)

		_, err = env.b.HandleRequest(ctx, &logical.Request{
			Operation: logical.UpdateOperation,
			Path:      "wallets/miner/coins/release",
			Storage:   &failingListStorage{Storage: env.storage, prefix: addressStoragePrefix},
			Data:      map[string]interface{}{"outpoints": op},
		})
		require.Error(t, err)
		require.Len(t, registry.Taken(), 1)

		resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/release", map[string]interface{}{"outpoints": op})
		require.Equal(t, int64(150_000_000), resp.Data["balance"])
	})
}

// failingListStorage fails every List under prefix.
type failingListStorage struct {
	logical.Storage
	prefix string
}

func (s *failingListStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if strings.HasPrefix(prefix, s.prefix) {
		return nil, errors.New("storage unavailable")
	}
	return s.Storage.List(ctx, prefix)
}

func TestWalletCoinsScan(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 2})
	addrs := env.addresses(t, "miner")

	script, err := wallet.ScriptForAddress(addrs[1], &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	env.chain.unspent[electrum.ScriptHash(script)] = []electrum.Unspent{
		env.chain.fund(1, script, 0, 5_000_000_000, 100),
		env.chain.fund(2, script, 3, 20_000, 199),
		env.chain.fund(3, script, 1, 30_000, 0),
	}

	resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 2, resp.Data["recorded_count"])
	require.Equal(t, int64(5_000_020_000), resp.Data["recorded_amount"])
	require.Equal(t, 1, resp.Data["unconfirmed"])
	require.Equal(t, int64(200), resp.Data["block_height"])

	t.Run("rescan finds nothing new", func(t *testing.T) {
		resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
		require.Equal(t, 0, resp.Data["recorded_count"])
		require.Equal(t, 2, resp.Data["known_count"])
	})

	t.Run("mempool coins with zero confirmations", func(t *testing.T) {
		resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", map[string]interface{}{"min_confirmations": 0})
		require.Equal(t, 1, resp.Data["recorded_count"])
	})

	wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
	require.Equal(t, int64(5_000_050_000), wresp.Data["balance"])
	require.Equal(t, addrs[0], wresp.Data["receive_address"])
}

func TestWalletCoinsScanVerifiesFundingTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 2})
	addrs := env.addresses(t, "miner")

	script, err := wallet.ScriptForAddress(addrs[0], &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	otherScript, err := wallet.ScriptForAddress(addrs[1], &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	inflated := env.chain.fund(1, script, 0, 10_000, 100)
	inflated.Value = 5_000_000_000

	missingOutput := env.chain.fund(2, script, 1, 20_000, 100)
	missingOutput.TxPos = 7

	// The funding output pays another address than the one listed.
	misdirected := env.chain.fund(3, otherScript, 0, 30_000, 100)

	unknownTx := electrum.Unspent{TxHash: fmt.Sprintf("%064x", 9), Height: 100, Value: 40_000}

	good := env.chain.fund(4, script, 2, 50_000, 100)

	env.chain.unspent[electrum.ScriptHash(script)] = []electrum.Unspent{inflated, missingOutput, misdirected, good}

	resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 1, resp.Data["recorded_count"])
	require.Equal(t, int64(50_000), resp.Data["recorded_amount"])
	require.Equal(t, 3, resp.Data["rejected"])

	wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
	require.Equal(t, int64(50_000), wresp.Data["balance"])

	t.Run("known coins are not fetched again", func(t *testing.T) {
		delete(env.chain.txs, good.TxHash)
		resp := env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
		require.Equal(t, 1, resp.Data["known_count"])
		require.Equal(t, 0, resp.Data["recorded_count"])
	})

	t.Run("unknown transaction fails the scan", func(t *testing.T) {
		env.chain.unspent[electrum.ScriptHash(script)] = []electrum.Unspent{unknownTx}
		_, err := env.b.HandleRequest(context.Background(), &logical.Request{
			Operation: logical.UpdateOperation,
			Path:      "wallets/miner/coins/scan",
			Storage:   env.storage,
		})
		require.Error(t, err)
	})
}

func TestWalletBuild(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 2})
	env.createWallet(t, "payee", map[string]interface{}{"initial_addresses": 3})
	miner := env.addresses(t, "miner")
	payee := env.addresses(t, "payee")

	op1 := env.recordCoin(t, "miner", 1, 100_000_000, miner[0])
	op2 := env.recordCoin(t, "miner", 2, 100_000_000, miner[1])

	build := func(t *testing.T, extra map[string]interface{}) *logical.Response {
		data := map[string]interface{}{
			"split_to":       strings.Join(payee, ","),
			"fee":            10_000,
			"change_address": miner[0],
		}
		for k, v := range extra {
			data[k] = v
		}
		return env.do(t, logical.UpdateOperation, "wallets/miner/build", data)
	}

	t.Run("failed build releases its coins", func(t *testing.T) {
		resp := build(t, map[string]interface{}{"fee": 300_000_000})
		requireErrorKind(t, resp, kindInsufficientFunds)

		wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
		require.Equal(t, int64(200_000_000), wresp.Data["balance"])
		require.Equal(t, 0, wresp.Data["reserved_coins"])
	})

	t.Run("dust destination", func(t *testing.T) {
		resp := build(t, map[string]interface{}{
			"split_to":     "",
			"destinations": fmt.Sprintf(`[{"address":%q,"amount":100}]`, payee[0]),
		})
		require.True(t, resp.IsError())
	})

	t.Run("invalid destination", func(t *testing.T) {
		resp := build(t, map[string]interface{}{"split_to": "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"})
		requireErrorKind(t, resp, kindInvalidDest)
	})

	var built *logical.Response
	t.Run("equal split without broadcast reserves the coins", func(t *testing.T) {
		built = build(t, nil)
		require.False(t, built.IsError(), "%v", built.Data)

		// 199,990,000 over three outputs leaves a remainder of 1, too small
		// for a change output, so the last output absorbs it.
		require.Equal(t, []int64{66_663_333, 66_663_333, 66_663_334}, outputAmounts(built))
		require.Equal(t, int64(10_000), built.Data["fee"])
		require.Equal(t, int64(200_000_000), built.Data["total_input"])
		require.Equal(t, int64(0), built.Data["change_amount"])
		require.True(t, built.Data["reserved"].(bool))
		require.NotEmpty(t, built.Data["hex"])
		require.ElementsMatch(t, []string{op1, op2}, built.Data["inputs"])

		outputs := built.Data["outputs"].([]map[string]interface{})
		for i, o := range outputs {
			require.Equal(t, payee[i], o["address"])
		}

		wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
		require.Equal(t, int64(0), wresp.Data["balance"])
		require.Equal(t, 2, wresp.Data["reserved_coins"])
	})

	t.Run("reserved coins cannot be built twice", func(t *testing.T) {
		resp := build(t, nil)
		requireErrorKind(t, resp, kindInsufficientFunds)

		resp = build(t, map[string]interface{}{"outpoints": op1})
		requireErrorKind(t, resp, kindAlreadySpent)
	})

	t.Run("release makes them available again", func(t *testing.T) {
		env.request(t, logical.UpdateOperation, "wallets/miner/coins/release", map[string]interface{}{
			"outpoints": op1 + "," + op2,
		})
		wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
		require.Equal(t, int64(200_000_000), wresp.Data["balance"])
	})

	t.Run("psbt format", func(t *testing.T) {
		resp := build(t, map[string]interface{}{"format": "psbt", "outpoints": op1})
		require.False(t, resp.IsError(), "%v", resp.Data)
		require.NotEmpty(t, resp.Data["psbt"])
		require.NotContains(t, resp.Data, "hex")

		env.request(t, logical.UpdateOperation, "wallets/miner/coins/release", map[string]interface{}{"outpoints": op1})
	})

	t.Run("broadcast failure releases the coins", func(t *testing.T) {
		env.chain.broadcastErr = &electrum.ServerError{Method: "blockchain.transaction.broadcast", Code: 1, Message: "rejected"}
		defer func() { env.chain.broadcastErr = nil }()

		resp := build(t, map[string]interface{}{"broadcast": true})
		requireErrorKind(t, resp, "broadcast")

		wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
		require.Equal(t, 0, wresp.Data["reserved_coins"])
	})

	t.Run("broadcast marks the coins spent", func(t *testing.T) {
		resp := build(t, map[string]interface{}{"broadcast": true})
		require.False(t, resp.IsError(), "%v", resp.Data)
		require.True(t, resp.Data["broadcast"].(bool))
		require.Len(t, env.chain.broadcasts, 1)
		require.Equal(t, env.chain.broadcasts[0].TxHash().String(), resp.Data["txid"])

		// Spent coins stay spent after the registry is reloaded.
		env.b.registries.Invalidate("miner")
		coins := env.request(t, logical.ReadOperation, "wallets/miner/coins", map[string]interface{}{"include_spent": true})
		for _, c := range coins.Data["coins"].([]map[string]interface{}) {
			require.Equal(t, coinStateSpent, c["state"])
			require.Equal(t, resp.Data["txid"], c["spent_by"])
		}

		again := build(t, map[string]interface{}{"outpoints": op1})
		requireErrorKind(t, again, kindAlreadySpent)

		dup := env.do(t, logical.UpdateOperation, "wallets/miner/coins", map[string]interface{}{
			"txid": fmt.Sprintf("%064x", 1), "vout": 0, "amount": 100_000_000, "address": miner[0],
		})
		requireErrorKind(t, dup, kindDuplicateOutPoint)
	})
}

func TestWalletBuildSettleExternally(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 1})
	env.createWallet(t, "payee", map[string]interface{}{"initial_addresses": 1})
	miner := env.addresses(t, "miner")
	payee := env.addresses(t, "payee")
	op := env.recordCoin(t, "miner", 7, 10_000_000, miner[0])

	resp := env.request(t, logical.UpdateOperation, "wallets/miner/build", map[string]interface{}{
		"destinations": fmt.Sprintf(`[{"address":%q,"amount":4000000},{"address":%q}]`, payee[0], miner[0]),
		"fee": 2_000,
	})
	require.Equal(t, []int64{4_000_000, 5_998_000}, outputAmounts(resp))

	env.request(t, logical.UpdateOperation, "wallets/miner/coins/spent", map[string]interface{}{
		"outpoints": op,
		"txid":      resp.Data["txid"],
	})

	wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
	require.Equal(t, int64(0), wresp.Data["balance"])
	require.Equal(t, 0, wresp.Data["reserved_coins"])

	release := env.do(t, logical.UpdateOperation, "wallets/miner/coins/release", map[string]interface{}{"outpoints": op})
	requireErrorKind(t, release, kindAlreadySpent)
}

func TestWalletBuildConcurrent(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 4})
	miner := env.addresses(t, "miner")

	var ops []string
	for i, a := range miner {
		ops = append(ops, env.recordCoin(t, "miner", i+1, 1_000_000, a))
	}

	// Every build asks for the same two coins; only one may get them.
	const builders = 8
	var wg sync.WaitGroup
	results := make([]*logical.Response, builders)
	for i := 0; i < builders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := env.b.HandleRequest(context.Background(), &logical.Request{
				Operation: logical.UpdateOperation,
				Path:      "wallets/miner/build",
				Storage:   env.storage,
				Data: map[string]interface{}{
					"split_to":  miner[3],
					"fee":       1_000,
					"outpoints": ops[0] + "," + ops[1],
				},
			})
			if err == nil {
				results[i] = resp
			}
		}(i)
	}
	wg.Wait()

	var wins int
	for _, resp := range results {
		require.NotNil(t, resp)
		if !resp.IsError() {
			wins++
			continue
		}
		require.Equal(t, kindAlreadySpent, resp.Data["error_kind"])
	}
	require.Equal(t, 1, wins)

	wresp := env.request(t, logical.ReadOperation, "wallets/miner", nil)
	require.Equal(t, int64(2_000_000), wresp.Data["balance"])
	require.Equal(t, 2, wresp.Data["reserved_coins"])
}

func TestWalletQR(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 2})
	addrs := env.addresses(t, "miner")

	resp := env.request(t, logical.ReadOperation, "wallets/miner/qr", map[string]interface{}{"amount": 150_000})
	require.Equal(t, addrs[0], resp.Data["address"])
	require.Equal(t, "bitcoin:"+addrs[0]+"?amount=0.00150000", resp.Data["uri"])
	require.NotEmpty(t, resp.Data["qr_png"])

	env.recordCoin(t, "miner", 1, 10_000, addrs[0])
	resp = env.request(t, logical.ReadOperation, "wallets/miner/qr", map[string]interface{}{"format": "ascii"})
	require.Equal(t, addrs[1], resp.Data["address"])
	require.NotEmpty(t, resp.Data["qr"])

	env.recordCoin(t, "miner", 2, 10_000, addrs[1])
	resp = env.do(t, logical.ReadOperation, "wallets/miner/qr", nil)
	require.True(t, resp.IsError())
}

func TestIsConnectionError(t *testing.T) {
	require.False(t, isConnectionError(nil))
	require.True(t, isConnectionError(electrum.ErrClosed))
	require.True(t, isConnectionError(fmt.Errorf("call: %w", electrum.ErrClosed)))
	require.True(t, isConnectionError(errors.New("write tcp: broken pipe")))
	require.False(t, isConnectionError(&electrum.ServerError{Code: 1, Message: "rejected"}))
}

func TestClientReuse(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 1})

	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 1, env.chain.dials)

	// A config change drops the connection.
	env.request(t, logical.UpdateOperation, "config", map[string]interface{}{"min_confirmations": 0})
	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 2, env.chain.dials)
}

func TestKeepalive(t *testing.T) {
	env := newTestEnv(t)
	env.createWallet(t, "miner", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 1})
	ctx := context.Background()
	req := &logical.Request{Storage: env.storage}

	// Without a connection there is nothing to ping.
	require.NoError(t, env.b.keepalive(ctx, req))
	require.Zero(t, env.chain.pings)
	require.Zero(t, env.chain.dials)

	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.NoError(t, env.b.keepalive(ctx, req))
	require.Equal(t, 1, env.chain.pings)

	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 1, env.chain.dials)

	env.chain.pingErr = errors.New("write tcp: broken pipe")
	require.NoError(t, env.b.keepalive(ctx, req))
	env.request(t, logical.UpdateOperation, "wallets/miner/coins/scan", nil)
	require.Equal(t, 2, env.chain.dials)
}

func TestWalletXpub(t *testing.T) {
	env := newTestEnv(t)

	env.createWallet(t, "hardened", map[string]interface{}{"mnemonic": testMnemonic, "initial_addresses": 1})
	resp := env.do(t, logical.ReadOperation, "wallets/hardened/xpub", nil)
	requireErrorKind(t, resp, kindDerivation)

	env.createWallet(t, "watched", map[string]interface{}{
		"mnemonic":          testMnemonic,
		"path_template":     "m/84'/1'/0'/0/*",
		"initial_addresses": 1,
	})
	resp = env.request(t, logical.ReadOperation, "wallets/watched/xpub", nil)
	xpub := resp.Data["xpub"].(string)
	require.True(t, strings.HasPrefix(xpub, "tpub"), xpub)
	require.Equal(t, "m/84'/1'/0'/0", resp.Data["derivation_path"])
	require.Equal(t, "wpkh([73c5da0a/84'/1'/0'/0]"+xpub+"/*)", resp.Data["descriptor"])

	resp = env.do(t, logical.ReadOperation, "wallets/missing/xpub", nil)
	require.True(t, resp.IsError())
}
