package wallet

import (
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestAddressForKey(t *testing.T) {
	seed := testSeed(t)
	res, err := Derive(seed, mustTemplate(t, "m/84'/1'/0'/0/*"), 0, 1, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	pubKey := res.Pairs[0].PrivateKey.PubKey()

	tests := []struct {
		name        string
		addressType string
		params      *chaincfg.Params
		wantPrefix  string
		wantLen     int
		wantErr     bool
	}{
		{"mainnet p2wpkh", AddressTypeP2WPKH, &chaincfg.MainNetParams, "bc1q", 42, false},
		{"regtest p2wpkh", AddressTypeP2WPKH, &chaincfg.RegressionNetParams, "bcrt1q", 44, false},
		{"mainnet p2tr", AddressTypeP2TR, &chaincfg.MainNetParams, "bc1p", 62, false},
		{"testnet p2tr", AddressTypeP2TR, &chaincfg.TestNet3Params, "tb1p", 62, false},
		{"mainnet p2pkh", AddressTypeP2PKH, &chaincfg.MainNetParams, "1", 0, false},
		{"testnet p2pkh", AddressTypeP2PKH, &chaincfg.TestNet3Params, "", 0, false},
		{"unsupported", "p2wsh", &chaincfg.MainNetParams, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := AddressForKey(pubKey, tt.addressType, tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddressForKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedScript) {
					t.Errorf("AddressForKey() error = %v, want ErrUnsupportedScript", err)
				}
				return
			}
			encoded := addr.EncodeAddress()
			if !strings.HasPrefix(encoded, tt.wantPrefix) {
				t.Errorf("address %s, want prefix %s", encoded, tt.wantPrefix)
			}
			if tt.wantLen > 0 && len(encoded) != tt.wantLen {
				t.Errorf("address length = %d, want %d", len(encoded), tt.wantLen)
			}
			if !addr.IsForNet(tt.params) {
				t.Errorf("address %s is not for %s", encoded, tt.params.Name)
			}
		})
	}
}

func TestScriptForAddress(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		params      *chaincfg.Params
		wantErr     bool
		scriptLen   int
		scriptStart []byte
		scriptType  string
	}{
		{
			name:        "mainnet P2WPKH",
			address:     "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
			params:      &chaincfg.MainNetParams,
			scriptLen:   22,
			scriptStart: []byte{0x00, 0x14}, // OP_0 OP_PUSHBYTES_20
			scriptType:  AddressTypeP2WPKH,
		},
		{
			name:        "testnet P2WPKH",
			address:     "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
			params:      &chaincfg.TestNet3Params,
			scriptLen:   22,
			scriptStart: []byte{0x00, 0x14},
			scriptType:  AddressTypeP2WPKH,
		},
		{
			name:        "mainnet P2TR",
			address:     "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr",
			params:      &chaincfg.MainNetParams,
			scriptLen:   34,
			scriptStart: []byte{0x51, 0x20}, // OP_1 OP_PUSHBYTES_32
			scriptType:  AddressTypeP2TR,
		},
		{
			name:        "mainnet P2PKH",
			address:     "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA",
			params:      &chaincfg.MainNetParams,
			scriptLen:   25,
			scriptStart: []byte{0x76, 0xa9}, // OP_DUP OP_HASH160
			scriptType:  AddressTypeP2PKH,
		},
		{
			name:    "wrong network",
			address: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
			params:  &chaincfg.MainNetParams,
			wantErr: true,
		},
		{
			name:    "invalid address",
			address: "invalid",
			params:  &chaincfg.MainNetParams,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := ScriptForAddress(tt.address, tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ScriptForAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDestination) {
					t.Errorf("ScriptForAddress() error = %v, want ErrInvalidDestination", err)
				}
				return
			}
			if len(script) != tt.scriptLen {
				t.Errorf("script length = %d, want %d", len(script), tt.scriptLen)
			}
			for i, b := range tt.scriptStart {
				if script[i] != b {
					t.Errorf("script[%d] = %x, want %x", i, script[i], b)
				}
			}
			scriptType, err := ScriptType(script)
			if err != nil {
				t.Fatalf("ScriptType() error = %v", err)
			}
			if scriptType != tt.scriptType {
				t.Errorf("ScriptType() = %s, want %s", scriptType, tt.scriptType)
			}
		})
	}
}

func TestScriptTypeUnsupported(t *testing.T) {
	// P2WSH pays to a script, not a key this wallet can derive.
	script, err := ScriptForAddress("bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("ScriptForAddress() error = %v", err)
	}
	if _, err := ScriptType(script); !errors.Is(err, ErrUnsupportedScript) {
		t.Errorf("ScriptType(p2wsh) error = %v, want ErrUnsupportedScript", err)
	}
	if _, err := ScriptType([]byte{0x6a}); !errors.Is(err, ErrUnsupportedScript) {
		t.Errorf("ScriptType(OP_RETURN) error = %v, want ErrUnsupportedScript", err)
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{"valid mainnet P2WPKH", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "mainnet", false},
		{"valid mainnet P2WSH", "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", "mainnet", false},
		{"valid testnet4 P2WPKH", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "testnet4", false},
		{"testnet4 address on mainnet", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "mainnet", true},
		{"mainnet address on testnet4", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "testnet4", true},
		{"testnet address on regtest", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "regtest", true},
		{"invalid address", "notanaddress", "mainnet", true},
		{"empty address", "", "mainnet", true},
		{"invalid network", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "invalid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q, %q) error = %v, wantErr %v", tt.address, tt.network, err, tt.wantErr)
			}
		})
	}
}
