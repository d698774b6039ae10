package btc

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/skip2/go-qrcode"
)

func pathWalletQR(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallets/" + framework.GenericNameRegex("name") + "/qr",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeLowerCaseString,
					Description: "Name of the wallet",
					Required:    true,
				},
				"size": {
					Type:        framework.TypeInt,
					Description: "QR code size in pixels (default: 256)",
					Default:     256,
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Output format: 'png' (base64) or 'ascii' (default: png)",
					Default:     "png",
				},
				"amount": {
					Type:        framework.TypeInt,
					Description: "Optional amount in satoshis to request in the URI",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletQRRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "qr",
					},
				},
			},
			HelpSynopsis:    pathWalletQRHelpSynopsis,
			HelpDescription: pathWalletQRHelpDescription,
		},
	}
}

func (b *btcBackend) pathWalletQRRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	name := data.Get("name").(string)
	size := data.Get("size").(int)
	format := data.Get("format").(string)
	amount := int64(data.Get("amount").(int))

	if size < 64 || size > 1024 {
		return logical.ErrorResponse("size must be between 64 and 1024"), nil
	}
	if format != "png" && format != "ascii" {
		return logical.ErrorResponse("format must be 'png' or 'ascii'"), nil
	}
	if amount < 0 {
		return logical.ErrorResponse("amount must not be negative"), nil
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

	addresses, err := getStoredAddresses(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	coins, err := getStoredCoins(ctx, req.Storage, name)
	if err != nil {
		return nil, err
	}

	// Reads never derive; the caller derives more when all are used.
	receive, ok := nextUnusedAddress(addresses, usedAddresses(coins))
	if !ok {
		return logical.ErrorResponse("no unused address available - derive one with: vault write btc/wallets/%s/addresses", name), nil
	}

	uri := bip21URI(receive.Address, amount)

	respData := map[string]interface{}{
		"address": receive.Address,
		"index":   receive.Index,
		"uri":     uri,
	}

	if format == "ascii" {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr"] = qr.ToSmallString(false)
		respData["display_hint"] = "vault read -field=qr btc/wallets/" + name + "/qr format=ascii"
	} else {
		png, err := qrcode.Encode(uri, qrcode.Medium, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}

	return &logical.Response{Data: respData}, nil
}

// bip21URI renders bitcoin:<address>, with the amount in BTC when set.
func bip21URI(address string, amount int64) string {
	if amount == 0 {
		return "bitcoin:" + address
	}
	return fmt.Sprintf("bitcoin:%s?amount=%d.%08d", address, amount/1e8, amount%1e8)
}

const pathWalletQRHelpSynopsis = `
Get a QR code for the wallet's next unused address.
`

const pathWalletQRHelpDescription = `
This endpoint returns a QR code for the lowest-index derived address that has
never been paid. The QR code contains a BIP21 URI (bitcoin:address).

Example:
  $ vault read btc/wallets/my-wallet/qr
  $ vault read btc/wallets/my-wallet/qr size=512 amount=150000

For ASCII format, use -field to display correctly in terminal:
  $ vault read -field=qr btc/wallets/my-wallet/qr format=ascii

Parameters:
  - size: QR code size in pixels (default: 256, range: 64-1024)
  - format: 'png' for base64-encoded PNG, 'ascii' for terminal display
  - amount: Optional amount in satoshis added to the URI

Response:
  - address: The receive address
  - index: Its derivation index
  - uri: BIP21 URI
  - qr_png: Base64-encoded PNG (if format=png)
  - qr: ASCII art QR code (if format=ascii)
`
