package recovery

import (
	"encoding/hex"
	"errors"
	"unicode/utf8"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/crypto"
)

var errInvalidUTF8 = errors.New("secret is not valid utf-8")

// ConstructProof unblinds the signature on output with the mint key K
// for the signature amount. Malformed input is a validation error.
func ConstructProof(output Output, signature cashu.BlindedSignature, K *secp256k1.PublicKey) (cashu.Proof, error) {
	params := apperr.Params{"B_": output.BlindedMessage.B_, "amount": signature.Amount}

	C_, err := crypto.ParsePublicKey(signature.C_)
	if err != nil {
		return cashu.Proof{}, apperr.WrapValidation(err, params, "invalid blinded signature")
	}
	r, err := crypto.ParseBlindingFactor(output.BlindingFactor)
	if err != nil {
		return cashu.Proof{}, apperr.WrapValidation(err, params, "invalid blinding factor")
	}
	secret, err := decodeSecret(output.Secret)
	if err != nil {
		return cashu.Proof{}, apperr.WrapValidation(err, params, "invalid secret")
	}

	C := crypto.UnblindSignature(C_, r, K)
	return cashu.Proof{
		Amount: signature.Amount,
		Id:     signature.Id,
		Secret: secret,
		C:      hex.EncodeToString(C.SerializeCompressed()),
	}, nil
}

func decodeSecret(secretHex string) (string, error) {
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", err
	}
	if len(secretBytes) == 0 || !utf8.Valid(secretBytes) {
		return "", errInvalidUTF8
	}
	return string(secretBytes), nil
}
