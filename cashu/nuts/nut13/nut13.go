// Package nut13 implements deterministic secret and blinding factor
// derivation as defined in [NUT-13]. It is used by the recovery client
// to rebuild the blinded messages a wallet generated from its seed.
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// MasterKeyFromMnemonic returns the BIP-32 master key for a BIP-39 mnemonic
// with an empty passphrase.
func MasterKeyFromMnemonic(mnemonic string) (*hdkeychain.ExtendedKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	return hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
}

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return nil, err
	}
	if len(keysetBytes) < 8 {
		return nil, errors.New("keyset id too short")
	}
	keysetIdInt := binary.BigEndian.Uint64(keysetBytes[:8]) % (1<<31 - 1)

	path := []uint32{
		hdkeychain.HardenedKeyStart + 129372,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + uint32(keysetIdInt),
	}
	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// DeriveOutput returns the secret (hex encoded) and blinding factor
// at m/129372'/0'/keyset_k_int'/counter'/{0,1}
func DeriveOutput(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", nil, err
	}

	secretKey, err := deriveChildKey(counterPath, 0)
	if err != nil {
		return "", nil, err
	}
	r, err := deriveChildKey(counterPath, 1)
	if err != nil {
		return "", nil, err
	}

	return hex.EncodeToString(secretKey.Serialize()), r, nil
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	secret, _, err := DeriveOutput(keysetPath, counter)
	return secret, err
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	_, r, err := DeriveOutput(keysetPath, counter)
	return r, err
}

func deriveChildKey(parent *hdkeychain.ExtendedKey, index uint32) (*secp256k1.PrivateKey, error) {
	child, err := parent.Derive(index)
	if err != nil {
		return nil, err
	}
	key, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return secp256k1.PrivKeyFromBytes(key.Serialize()), nil
}
