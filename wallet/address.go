package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressForKey encodes the public key as an address of the given type
func AddressForKey(pubKey *btcec.PublicKey, addressType string, params *chaincfg.Params) (btcutil.Address, error) {
	switch addressType {
	case AddressTypeP2WPKH:
		pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
		if err != nil {
			return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
		}
		return addr, nil

	case AddressTypeP2TR:
		// BIP86 key-path only output key (no script tree)
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), params)
		if err != nil {
			return nil, fmt.Errorf("failed to create P2TR address: %w", err)
		}
		return addr, nil

	case AddressTypeP2PKH:
		pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
		addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
		if err != nil {
			return nil, fmt.Errorf("failed to create P2PKH address: %w", err)
		}
		return addr, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScript, addressType)
	}
}

// DecodeAddress decodes an address and checks it belongs to the network
func DecodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDestination, address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not for %s", ErrInvalidDestination, address, params.Name)
	}
	return addr, nil
}

// ScriptForAddress returns the scriptPubKey paying to an encoded address
func ScriptForAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create scriptPubKey for %s: %v", ErrInvalidDestination, address, err)
	}
	return script, nil
}

// ScriptType classifies a scriptPubKey into one of the supported address
// types, or returns ErrUnsupportedScript.
func ScriptType(pkScript []byte) (string, error) {
	switch class := txscript.GetScriptClass(pkScript); class {
	case txscript.WitnessV0PubKeyHashTy:
		return AddressTypeP2WPKH, nil
	case txscript.WitnessV1TaprootTy:
		return AddressTypeP2TR, nil
	case txscript.PubKeyHashTy:
		return AddressTypeP2PKH, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScript, class)
	}
}

// ValidateAddress checks if an address is valid for the given network
func ValidateAddress(address string, network string) error {
	params, err := NetworkParams(network)
	if err != nil {
		return err
	}
	_, err = DecodeAddress(address, params)
	return err
}
