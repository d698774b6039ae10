package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/sync/errgroup"
)

const (
	// SeedLength is the length of generated seeds (256 bits)
	SeedLength = 32

	// MnemonicEntropyBits yields a 12-word mnemonic
	MnemonicEntropyBits = 128

	// BIP44Purpose is the purpose for legacy P2PKH
	BIP44Purpose = 44

	// BIP84Purpose is the purpose for native SegWit (P2WPKH)
	BIP84Purpose = 84

	// BIP86Purpose is the purpose for Taproot (P2TR)
	BIP86Purpose = 86

	// CoinTypeBitcoin is the coin type for Bitcoin mainnet
	CoinTypeBitcoin = 0

	// CoinTypeBitcoinTestnet is the coin type for every test network
	CoinTypeBitcoinTestnet = 1

	// Address type constants
	AddressTypeP2PKH  = "p2pkh"
	AddressTypeP2WPKH = "p2wpkh"
	AddressTypeP2TR   = "p2tr"

	// templateSegments is purpose/coin/account/chain plus the varying index
	templateSegments = 5
)

// NetworkParams returns the chain configuration for the given network name
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet4":
		// Testnet4 uses same address format as testnet3 (tb1... addresses)
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet3, testnet4, signet, regtest)", network)
	}
}

// CoinType returns the BIP44 coin type used on the given network
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == wire.MainNet {
		return CoinTypeBitcoin
	}
	return CoinTypeBitcoinTestnet
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// NewMnemonic creates a fresh 12-word BIP39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// NewSeedFromMnemonic converts a BIP39 mnemonic and optional passphrase into
// a 64-byte seed. The mnemonic checksum is verified.
func NewSeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mnemonic: %v", ErrDerivation, err)
	}
	return seed, nil
}

// ValidateSeed checks that a seed can be used as a BIP32 master seed
func ValidateSeed(seed []byte) error {
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return fmt.Errorf("%w: seed length %d outside [%d, %d]",
			ErrDerivation, len(seed), hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}
	return nil
}

// PathSegment is one level of a BIP32 derivation path.
type PathSegment struct {
	Index    uint32
	Hardened bool
}

func (s PathSegment) childIndex() uint32 {
	if s.Hardened {
		return hdkeychain.HardenedKeyStart + s.Index
	}
	return s.Index
}

func (s PathSegment) String() string {
	if s.Hardened {
		return strconv.FormatUint(uint64(s.Index), 10) + "'"
	}
	return strconv.FormatUint(uint64(s.Index), 10)
}

// DerivationPath is an ordered list of segments below the master key.
type DerivationPath []PathSegment

// String renders the path as m/84'/0'/0'/1'/7'
func (p DerivationPath) String() string {
	parts := make([]string, 0, len(p)+1)
	parts = append(parts, "m")
	for _, seg := range p {
		parts = append(parts, seg.String())
	}
	return strings.Join(parts, "/")
}

// ParseDerivationPath parses a path such as m/84'/0'/0'/1/5. Both ' and h
// mark hardened segments.
func ParseDerivationPath(path string) (DerivationPath, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty derivation path", ErrDerivation)
	}

	out := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "m")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func parseSegment(part string) (PathSegment, error) {
	var seg PathSegment
	if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
		seg.Hardened = true
		part = part[:len(part)-1]
	}

	index, err := strconv.ParseUint(part, 10, 32)
	if err != nil {
		return seg, fmt.Errorf("%w: invalid path segment %q", ErrDerivation, part)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return seg, fmt.Errorf("%w: path index %d overflows 2^31", ErrDerivation, index)
	}
	seg.Index = uint32(index)
	return seg, nil
}

// PathTemplate fixes purpose, coin type, account and chain, and varies only
// the trailing address index.
type PathTemplate struct {
	Prefix        [4]PathSegment
	HardenedIndex bool
}

// DefaultPathTemplate returns m/84'/coin'/0'/1'/*' for the network.
func DefaultPathTemplate(params *chaincfg.Params) PathTemplate {
	return PathTemplate{
		Prefix: [4]PathSegment{
			{Index: BIP84Purpose, Hardened: true},
			{Index: CoinType(params), Hardened: true},
			{Index: 0, Hardened: true},
			{Index: 1, Hardened: true},
		},
		HardenedIndex: true,
	}
}

// ParsePathTemplate parses a template such as m/84'/0'/0'/1'/*'. The final
// segment must be the * wildcard, optionally hardened.
func ParsePathTemplate(template string) (PathTemplate, error) {
	var tmpl PathTemplate

	parts := splitPath(template)
	if len(parts) != templateSegments {
		return tmpl, fmt.Errorf("%w: template %q must have %d segments",
			ErrDerivation, template, templateSegments)
	}

	for i := 0; i < len(tmpl.Prefix); i++ {
		seg, err := parseSegment(parts[i])
		if err != nil {
			return tmpl, err
		}
		tmpl.Prefix[i] = seg
	}

	switch parts[templateSegments-1] {
	case "*":
	case "*'", "*h":
		tmpl.HardenedIndex = true
	default:
		return tmpl, fmt.Errorf("%w: template %q must end with the * wildcard", ErrDerivation, template)
	}

	return tmpl, nil
}

// Path returns the concrete derivation path for an index.
func (t PathTemplate) Path(index uint32) DerivationPath {
	path := make(DerivationPath, 0, templateSegments)
	path = append(path, t.Prefix[:]...)
	return append(path, PathSegment{Index: index, Hardened: t.HardenedIndex})
}

func (t PathTemplate) String() string {
	wildcard := "*"
	if t.HardenedIndex {
		wildcard = "*'"
	}
	return DerivationPath(t.Prefix[:]).String() + "/" + wildcard
}

// AddressType reports which address type the template's purpose implies.
func (t PathTemplate) AddressType() string {
	switch t.Prefix[0].Index {
	case BIP44Purpose:
		return AddressTypeP2PKH
	case BIP86Purpose:
		return AddressTypeP2TR
	default:
		return AddressTypeP2WPKH
	}
}

// AddressKeyPair is a derived leaf. It holds no reference to the extended
// key it was derived from.
type AddressKeyPair struct {
	Index      uint32
	Path       DerivationPath
	Address    btcutil.Address
	PrivateKey *btcec.PrivateKey
}

// DerivationResult carries the derived pairs and the counter value the
// caller must persist before deriving again.
type DerivationResult struct {
	Pairs     []AddressKeyPair
	NextIndex uint32
}

// Derive produces the address/key pairs for indexes [startIndex,
// startIndex+count) under the template. Identical inputs always produce
// identical output. Indexes whose child key is invalid, or whose key cannot
// be encoded as a standard address, are left out, so fewer than count pairs
// may be returned; NextIndex always advances by count.
func Derive(seed []byte, tmpl PathTemplate, startIndex uint32, count int, params *chaincfg.Params) (*DerivationResult, error) {
	if err := validateRange(startIndex, count); err != nil {
		return nil, err
	}

	branch, err := deriveBranch(seed, tmpl, params)
	if err != nil {
		return nil, err
	}

	pairs := make([]AddressKeyPair, 0, count)
	for i := 0; i < count; i++ {
		pair, ok, err := deriveLeaf(branch, tmpl, startIndex+uint32(i), params)
		if err != nil {
			return nil, err
		}
		if ok {
			pairs = append(pairs, pair)
		}
	}

	if err := checkCollisions(pairs); err != nil {
		return nil, err
	}

	return &DerivationResult{
		Pairs:     pairs,
		NextIndex: startIndex + uint32(count),
	}, nil
}

// DeriveParallel is Derive with the index range split across workers. The
// result is identical to Derive for the same arguments.
func DeriveParallel(ctx context.Context, seed []byte, tmpl PathTemplate, startIndex uint32, count int,
	params *chaincfg.Params, workers int) (*DerivationResult, error) {

	if err := validateRange(startIndex, count); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	if count == 0 {
		return &DerivationResult{NextIndex: startIndex}, nil
	}

	chunk := (count + workers - 1) / workers
	chunks := make([][]AddressKeyPair, (count+chunk-1)/chunk)

	g, ctx := errgroup.WithContext(ctx)
	for c := range chunks {
		from := c * chunk
		n := min(chunk, count-from)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Each worker owns its branch key: hdkeychain memoizes public
			// keys inside ExtendedKey, so keys are not shared.
			res, err := Derive(seed, tmpl, startIndex+uint32(from), n, params)
			if err != nil {
				return err
			}
			chunks[c] = res.Pairs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pairs := make([]AddressKeyPair, 0, count)
	for _, c := range chunks {
		pairs = append(pairs, c...)
	}
	if err := checkCollisions(pairs); err != nil {
		return nil, err
	}

	return &DerivationResult{
		Pairs:     pairs,
		NextIndex: startIndex + uint32(count),
	}, nil
}

func validateRange(startIndex uint32, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: negative count %d", ErrDerivation, count)
	}
	if uint64(startIndex)+uint64(count) > hdkeychain.HardenedKeyStart {
		return fmt.Errorf("%w: index range %d+%d overflows 2^31", ErrDerivation, startIndex, count)
	}
	return nil
}

// deriveBranch walks the four fixed template segments from the master key.
func deriveBranch(seed []byte, tmpl PathTemplate, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateSeed(seed); err != nil {
		return nil, err
	}
	for _, seg := range tmpl.Prefix {
		if seg.Index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: path index %d overflows 2^31", ErrDerivation, seg.Index)
		}
	}

	key, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create master key: %v", ErrDerivation, err)
	}

	for _, seg := range tmpl.Prefix {
		key, err = key.Derive(seg.childIndex())
		if err != nil {
			return nil, fmt.Errorf("%w: failed to derive %s: %v", ErrDerivation, seg, err)
		}
	}
	return key, nil
}

func deriveLeaf(branch *hdkeychain.ExtendedKey, tmpl PathTemplate, index uint32,
	params *chaincfg.Params) (AddressKeyPair, bool, error) {

	seg := PathSegment{Index: index, Hardened: tmpl.HardenedIndex}
	child, err := branch.Derive(seg.childIndex())
	if errors.Is(err, hdkeychain.ErrInvalidChild) {
		return AddressKeyPair{}, false, nil
	}
	if err != nil {
		return AddressKeyPair{}, false, fmt.Errorf("%w: failed to derive index %d: %v", ErrDerivation, index, err)
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return AddressKeyPair{}, false, fmt.Errorf("%w: failed to get private key: %v", ErrDerivation, err)
	}

	addr, err := AddressForKey(privKey.PubKey(), tmpl.AddressType(), params)
	if err != nil {
		// Not representable as a standard destination, leave it out.
		return AddressKeyPair{}, false, nil
	}

	return AddressKeyPair{
		Index:      index,
		Path:       tmpl.Path(index),
		Address:    addr,
		PrivateKey: privKey,
	}, true, nil
}

func checkCollisions(pairs []AddressKeyPair) error {
	seen := make(map[string]DerivationPath, len(pairs))
	for _, p := range pairs {
		encoded := p.Address.EncodeAddress()
		if prev, ok := seen[encoded]; ok {
			return fmt.Errorf("%w: address %s derived at both %s and %s", ErrDerivation, encoded, prev, p.Path)
		}
		seen[encoded] = p.Path
	}
	return nil
}

// BranchKey is the neutered extended key at a template's branch together
// with the fingerprint of the master key it descends from.
type BranchKey struct {
	Xpub              string
	MasterFingerprint uint32
	Path              DerivationPath
}

// Descriptor renders an output descriptor covering every index under the
// branch.
func (k *BranchKey) Descriptor(addressType string) string {
	origin := fmt.Sprintf("[%08x%s]", k.MasterFingerprint, k.Path.String()[1:])
	switch addressType {
	case AddressTypeP2TR:
		return fmt.Sprintf("tr(%s%s/*)", origin, k.Xpub)
	case AddressTypeP2PKH:
		return fmt.Sprintf("pkh(%s%s/*)", origin, k.Xpub)
	default:
		return fmt.Sprintf("wpkh(%s%s/*)", origin, k.Xpub)
	}
}

// ExportBranchKey returns the public branch key of a template. Templates with
// a hardened index cannot be derived from public keys alone.
func ExportBranchKey(seed []byte, tmpl PathTemplate, params *chaincfg.Params) (*BranchKey, error) {
	if tmpl.HardenedIndex {
		return nil, fmt.Errorf("%w: template %s hardens the index, no watch-only key exists", ErrDerivation, tmpl)
	}

	branch, err := deriveBranch(seed, tmpl, params)
	if err != nil {
		return nil, err
	}

	pub, err := branch.Neuter()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to neuter branch key: %v", ErrDerivation, err)
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create master key: %v", ErrDerivation, err)
	}
	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get master public key: %v", ErrDerivation, err)
	}
	hash := btcutil.Hash160(masterPub.SerializeCompressed())

	return &BranchKey{
		Xpub:              pub.String(),
		MasterFingerprint: uint32(hash[0])<<24 | uint32(hash[1])<<16 | uint32(hash[2])<<8 | uint32(hash[3]),
		Path:              DerivationPath(tmpl.Prefix[:]),
	}, nil
}
