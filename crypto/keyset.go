package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// MintKeyset holds the private keys a mint signs with. Only used
// to run test mints.
type MintKeyset struct {
	Id       string
	Unit     string
	Active   bool
	KeyPairs map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives keys for amounts 2^0 to 2^(order-1)
// deterministically from seed and derivationPath.
func GenerateKeyset(seed, derivationPath string, order int) *MintKeyset {
	if order <= 0 || order > maxOrder {
		order = maxOrder
	}

	keyPairs := make(map[uint64]KeyPair, order)
	for i := 0; i < order; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keyPairs[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
	}

	keyset := &MintKeyset{Unit: "sat", Active: true, KeyPairs: keyPairs}
	keyset.Id = DeriveKeysetId(keyset.PublicKeys())
	return keyset
}

// DeriveKeysetId returns the version 00 keyset id for the public keys.
func DeriveKeysetId(keys map[uint64]string) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	hash := sha256.New()
	for _, amount := range amounts {
		pubkey, _ := hex.DecodeString(keys[amount])
		hash.Write(pubkey)
	}
	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.KeyPairs))
	for amount, key := range ks.KeyPairs {
		pubKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubKeys
}

// Sign returns C_ for the hex encoded blinded message B_.
func (ks *MintKeyset) Sign(amount uint64, B_ string) (string, error) {
	key, ok := ks.KeyPairs[amount]
	if !ok {
		return "", fmt.Errorf("no key for amount %v", amount)
	}
	B, err := ParsePublicKey(B_)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(SignBlindedMessage(B, key.PrivateKey).SerializeCompressed()), nil
}

// ParseKeys parses the amount to public key mapping of a keyset.
func ParseKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	parsed := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pk, err := ParsePublicKey(key)
		if err != nil {
			return nil, fmt.Errorf("key for amount %v: %w", amount, err)
		}
		parsed[amount] = pk
	}
	return parsed, nil
}
