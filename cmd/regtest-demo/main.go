// Command regtest-demo funds an HD wallet from a bitcoind regtest node and
// equal-splits the mined coins over a second wallet's addresses.
package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/hashicorp/go-hclog"
	"github.com/jessevdk/go-flags"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const (
	demoFee = btcutil.Amount(10_000)

	// Coinbase outputs need 100 confirmations before they can be spent.
	maturityBlocks = 101
)

type config struct {
	RPCHost      string `long:"rpchost" env:"BTC_RPC_HOST" default:"localhost:18443" description:"bitcoind RPC host:port"`
	RPCUser      string `long:"rpcuser" env:"BTC_RPC_USER" default:"test" description:"bitcoind RPC user"`
	RPCPass      string `long:"rpcpass" env:"BTC_RPC_PASS" default:"test" description:"bitcoind RPC password"`
	PathTemplate string `long:"template" description:"Derivation template (default: m/84'/1'/0'/1'/*')"`
	StartIndex   uint32 `long:"startindex" default:"1" description:"First index derived for both wallets"`
	MinerKeys    int    `long:"minerkeys" default:"10" description:"Number of miner addresses to fund"`
	LogLevel     string `long:"loglevel" default:"info" description:"trace, debug, info, warn or error"`
}

// demoWallet is a seed plus the counter threaded through every derivation.
type demoWallet struct {
	seed      []byte
	tmpl      wallet.PathTemplate
	nextIndex uint32
	keyring   *wallet.Keyring
}

func newDemoWallet(name string, tmpl wallet.PathTemplate, start uint32, logger hclog.Logger) (*demoWallet, error) {
	mnemonic, err := wallet.NewMnemonic()
	if err != nil {
		return nil, err
	}
	seed, err := wallet.NewSeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	keyring, err := wallet.NewKeyring()
	if err != nil {
		return nil, err
	}

	// Printed so the run can be reproduced in another wallet.
	fmt.Printf("%s mnemonic: %s\n", name, mnemonic)
	logger.Debug("wallet created", "wallet", name, "template", tmpl.String(), "start_index", start)

	return &demoWallet{seed: seed, tmpl: tmpl, nextIndex: start, keyring: keyring}, nil
}

func (w *demoWallet) derive(count int, params *chaincfg.Params) ([]wallet.AddressKeyPair, error) {
	res, err := wallet.Derive(w.seed, w.tmpl, w.nextIndex, count, params)
	if err != nil {
		return nil, err
	}
	if err := w.keyring.Add(res.Pairs...); err != nil {
		return nil, err
	}
	w.nextIndex = res.NextIndex
	return res.Pairs, nil
}

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "regtest-demo",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger hclog.Logger) error {
	params := &chaincfg.RegressionNetParams

	tmpl := wallet.DefaultPathTemplate(params)
	if cfg.PathTemplate != "" {
		var err error
		if tmpl, err = wallet.ParsePathTemplate(cfg.PathTemplate); err != nil {
			return err
		}
	}

	logger.Info("connecting", "host", cfg.RPCHost, "network", params.Name)
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("unable to create rpc client: %w", err)
	}
	defer client.Shutdown()

	destination, err := newDemoWallet("destination", tmpl, cfg.StartIndex, logger)
	if err != nil {
		return err
	}
	miner, err := newDemoWallet("miner", tmpl, cfg.StartIndex, logger)
	if err != nil {
		return err
	}

	minerPairs, err := miner.derive(cfg.MinerKeys, params)
	if err != nil {
		return fmt.Errorf("derive miner addresses: %w", err)
	}
	if len(minerPairs) == 0 {
		return errors.New("no miner address could be derived")
	}

	registry := wallet.NewCoinRegistry()
	if err := fundAddresses(client, registry, minerPairs, tmpl.AddressType(), logger); err != nil {
		return err
	}

	if _, err := client.GenerateToAddress(maturityBlocks, minerPairs[0].Address, nil); err != nil {
		return fmt.Errorf("mine maturity blocks: %w", err)
	}
	logger.Info("coinbase outputs matured", "blocks", maturityBlocks)

	destPairs, err := destination.derive(rand.Intn(6)+2, params)
	if err != nil {
		return fmt.Errorf("derive destination addresses: %w", err)
	}

	splitTo := make([]string, 0, len(destPairs)+len(minerPairs))
	for _, p := range destPairs {
		splitTo = append(splitTo, p.Address.EncodeAddress())
	}
	for _, p := range minerPairs {
		splitTo = append(splitTo, p.Address.EncodeAddress())
	}

	coins, err := registry.Take(wallet.OutPoints(registry.Available()))
	if err != nil {
		return err
	}

	change := minerPairs[0].Address.EncodeAddress()
	signed, err := wallet.BuildTransaction(params, coins, wallet.EqualSplit(splitTo...), demoFee, change, miner.keyring)
	if err != nil {
		if releaseErr := registry.Release(wallet.OutPoints(coins)); releaseErr != nil {
			logger.Warn("failed to release coins", "error", releaseErr)
		}
		return fmt.Errorf("build transaction: %w", err)
	}
	logger.Info("transaction finalized", "txid", signed.TxID, "inputs", len(coins),
		"outputs", len(splitTo), "fee", int64(signed.Fee), "change", int64(signed.ChangeAmount))

	hash, err := client.SendRawTransaction(signed.MsgTx(), false)
	if err != nil {
		if releaseErr := registry.Release(wallet.OutPoints(coins)); releaseErr != nil {
			logger.Warn("failed to release coins", "error", releaseErr)
		}
		return fmt.Errorf("submit transaction: %w", err)
	}
	if err := registry.MarkSpent(wallet.OutPoints(coins)); err != nil {
		return err
	}

	fmt.Printf("Transaction sent: %s\n", hash)
	return nil
}

// fundAddresses mines one block to each address and records the coinbase
// outputs that pay it.
func fundAddresses(client *rpcclient.Client, registry *wallet.CoinRegistry, pairs []wallet.AddressKeyPair,
	addressType string, logger hclog.Logger) error {

	for _, p := range pairs {
		hashes, err := client.GenerateToAddress(1, p.Address, nil)
		if err != nil {
			return fmt.Errorf("mine to %s: %w", p.Address, err)
		}
		if len(hashes) != 1 {
			return fmt.Errorf("mine to %s: expected 1 block, got %d", p.Address, len(hashes))
		}

		block, err := client.GetBlock(hashes[0])
		if err != nil {
			return fmt.Errorf("fetch block %s: %w", hashes[0], err)
		}
		if len(block.Transactions) == 0 {
			return fmt.Errorf("block %s has no transactions", hashes[0])
		}

		coins, err := wallet.ObserveOutputs(block.Transactions[0], p.Address, addressType)
		if err != nil {
			return err
		}
		for _, c := range coins {
			if err := registry.Record(c); err != nil {
				return err
			}
			logger.Debug("coin recorded", "outpoint", c.OutPoint.String(), "amount", int64(c.Amount),
				"address", c.Address, "index", p.Index)
		}
	}

	logger.Info("miner addresses funded", "addresses", len(pairs), "total", int64(wallet.SumCoins(registry.Available())))
	return nil
}
