package btc

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/big"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-builder/wallet"
)

const (
	configStoragePath = "config"
	defaultNetwork    = "mainnet"
)

// Default Electrum server pools per network
// When no custom electrum_url is configured, a random server is selected per connection
var (
	MainnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:50002",
		"ssl://electrum.bitaroo.net:50002",
		"ssl://electrum.emzy.de:50002",
	}

	Testnet3ElectrumServers = []string{
		"ssl://electrum.blockstream.info:60002",
	}

	Testnet4ElectrumServers = []string{
		"ssl://mempool.space:40002",
		"ssl://electrum.blockstream.info:60002",
	}

	// Signet and regtest have no default servers - requires explicit configuration
	SignetElectrumServers  = []string{}
	RegtestElectrumServers = []string{}
)

func electrumPool(network string) []string {
	switch network {
	case "mainnet":
		return MainnetElectrumServers
	case "testnet3":
		return Testnet3ElectrumServers
	case "testnet4":
		return Testnet4ElectrumServers
	case "signet":
		return SignetElectrumServers
	case "regtest":
		return RegtestElectrumServers
	default:
		return MainnetElectrumServers
	}
}

// getRandomServer returns a random server from the list for the given network
// Uses crypto/rand for secure randomness
func getRandomServer(network string) string {
	servers := electrumPool(network)
	if len(servers) == 0 {
		return ""
	}

	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(len(servers))))
	if err != nil {
		return servers[0]
	}

	return servers[n.Int64()]
}

// btcConfig stores the secrets engine configuration
type btcConfig struct {
	ElectrumURL      string `json:"electrum_url"`
	Network          string `json:"network"`
	MinConfirmations int    `json:"min_confirmations"`
	PathTemplate     string `json:"path_template,omitempty"`
}

// template returns the configured path template, or the network default.
func (c *btcConfig) template() (wallet.PathTemplate, error) {
	params, err := wallet.NetworkParams(c.Network)
	if err != nil {
		return wallet.PathTemplate{}, err
	}
	if c.PathTemplate == "" {
		return wallet.DefaultPathTemplate(params), nil
	}
	return wallet.ParsePathTemplate(c.PathTemplate)
}

func pathConfig(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "config",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"electrum_url": {
					Type:        framework.TypeString,
					Description: "Electrum server URL. If not set, a random server from the default pool is used per connection.",
				},
				"network": {
					Type:        framework.TypeString,
					Description: "Bitcoin network: mainnet, testnet3, testnet4, signet or regtest (signet and regtest require electrum_url)",
					Default:     defaultNetwork,
				},
				"min_confirmations": {
					Type:        framework.TypeInt,
					Description: "Minimum confirmations a scanned coin needs before it is recorded (default: 1)",
					Default:     1,
				},
				"path_template": {
					Type:        framework.TypeString,
					Description: "Default derivation template for new wallets, e.g. m/84'/0'/0'/1'/*' (default: network BIP84 template)",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathConfigRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathConfigDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
			},
			ExistenceCheck:  b.pathConfigExistenceCheck,
			HelpSynopsis:    pathConfigHelpSynopsis,
			HelpDescription: pathConfigHelpDescription,
		},
	}
}

func (b *btcBackend) pathConfigExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	out, err := req.Storage.Get(ctx, configStoragePath)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return out != nil, nil
}

func (b *btcBackend) pathConfigRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	if config == nil {
		b.Logger().Debug("no config found")
		return nil, nil
	}

	tmpl, err := config.template()
	if err != nil {
		return nil, err
	}

	respData := map[string]interface{}{
		"network":           config.Network,
		"min_confirmations": config.MinConfirmations,
		"path_template":     tmpl.String(),
		"address_type":      tmpl.AddressType(),
	}

	if config.ElectrumURL != "" {
		respData["electrum_url"] = config.ElectrumURL
	} else {
		respData["electrum_url"] = "(random from pool)"
		respData["electrum_pool"] = electrumPool(config.Network)
	}

	return &logical.Response{Data: respData}, nil
}

func (b *btcBackend) pathConfigWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	createOperation := req.Operation == logical.CreateOperation

	if config == nil {
		if !createOperation {
			return nil, fmt.Errorf("config not found during update operation")
		}
		config = &btcConfig{}
	}

	if electrumURL, ok := data.GetOk("electrum_url"); ok {
		config.ElectrumURL = electrumURL.(string)
	}

	if network, ok := data.GetOk("network"); ok {
		config.Network = network.(string)
	} else if createOperation {
		config.Network = data.Get("network").(string)
	}

	if minConf, ok := data.GetOk("min_confirmations"); ok {
		config.MinConfirmations = minConf.(int)
	} else if createOperation {
		config.MinConfirmations = data.Get("min_confirmations").(int)
	}

	if tmpl, ok := data.GetOk("path_template"); ok {
		config.PathTemplate = tmpl.(string)
	}

	if _, err := wallet.NetworkParams(config.Network); err != nil {
		return logical.ErrorResponse(err.Error()), nil
	}

	if config.MinConfirmations < 0 {
		return logical.ErrorResponse("min_confirmations must be >= 0"), nil
	}

	if _, err := config.template(); err != nil {
		return logical.ErrorResponse("invalid path_template: %s", err.Error()), nil
	}

	entry, err := logical.StorageEntryJSON(configStoragePath, config)
	if err != nil {
		return nil, err
	}

	if err := req.Storage.Put(ctx, entry); err != nil {
		return nil, err
	}

	// Reset the client so the new config takes effect
	b.reset()

	b.Logger().Info("config saved", "network", config.Network, "electrum_url", config.ElectrumURL,
		"min_confirmations", config.MinConfirmations, "path_template", config.PathTemplate)
	return nil, nil
}

func (b *btcBackend) pathConfigDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	err := req.Storage.Delete(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error deleting config: %w", err)
	}

	b.reset()

	b.Logger().Info("config deleted")
	return nil, nil
}

// getConfig retrieves the configuration from storage
func getConfig(ctx context.Context, s logical.Storage) (*btcConfig, error) {
	entry, err := s.Get(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error retrieving config: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	config := new(btcConfig)
	if err := entry.DecodeJSON(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return config, nil
}

// getEffectiveConfig returns the stored configuration, or the defaults when
// the engine has not been configured.
func getEffectiveConfig(ctx context.Context, s logical.Storage) (*btcConfig, error) {
	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return &btcConfig{Network: defaultNetwork, MinConfirmations: 1}, nil
	}
	if config.Network == "" {
		config.Network = defaultNetwork
	}
	return config, nil
}

const pathConfigHelpSynopsis = `
Configure the Bitcoin transaction builder.
`

const pathConfigHelpDescription = `
This endpoint configures the network, the Electrum server used for funding
scans and broadcasts, and the derivation template new wallets default to.

Parameters:
  - network: mainnet, testnet3, testnet4, signet or regtest (default: mainnet)
  - electrum_url: Electrum server URL (optional - uses random server from pool if not set)
  - min_confirmations: Minimum confirmations before a scanned coin is recorded (default: 1)
  - path_template: Derivation template, e.g. m/84'/0'/0'/1'/*'. The purpose
    selects the address type: 44 for p2pkh, 86 for p2tr, anything else p2wpkh.

A wallet keeps the template it was created with, so changing path_template
only affects wallets created afterwards.

Example (regtest against a local Electrum server):
  $ vault write btc/config \
      network=regtest \
      electrum_url="tcp://127.0.0.1:50001" \
      min_confirmations=0

Example (mainnet taproot wallets):
  $ vault write btc/config \
      network=mainnet \
      path_template="m/86'/0'/0'/0/*"

Default server pools:
  - mainnet:  electrum.blockstream.info, electrum.bitaroo.net, electrum.emzy.de
  - testnet3: electrum.blockstream.info
  - testnet4: mempool.space, electrum.blockstream.info
  - signet, regtest: (no default pool - requires explicit electrum_url)
`
