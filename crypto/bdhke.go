// Package crypto implements the blind Diffie-Hellman key exchange
// operations of NUT-00 over secp256k1.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	domainSeparator   = "Secp256k1_HashToCurve_Cashu_"
	maxHashToCurveTry = 1 << 16
)

var (
	ErrNoValidPoint  = errors.New("no valid point found")
	ErrInvalidScalar = errors.New("invalid scalar")
	ErrInvalidPubKey = errors.New("invalid public key")
)

// HashToCurve maps a message to a point on the curve:
// Y = PublicKey('02' || SHA256(msg_hash || counter))
// where msg_hash = SHA256(domainSeparator || message) and counter
// is a little endian uint32 incremented until a valid point is found.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(domainSeparator), message...))

	counter := make([]byte, 4)
	for i := uint32(0); i < maxHashToCurveTry; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		hash := sha256.Sum256(append(msgHash[:], counter...))
		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// B_ = Y + rG
func BlindMessage(secret []byte, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve(secret)
	if err != nil {
		return nil, err
	}
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	return secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y), nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, C_Point, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)
	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve(secret)
	if err != nil {
		return false
	}
	return SignBlindedMessage(Y, k).IsEqual(C)
}

// ParseBlindingFactor parses a hex encoded scalar. The encoding may have
// an odd length or be missing leading zeros. Zero and values not lower
// than the curve order are rejected.
func ParseBlindingFactor(s string) (*secp256k1.PrivateKey, error) {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() <= 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("%w: '%v'", ErrInvalidScalar, s)
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(n.FillBytes(make([]byte, 32))); overflow {
		return nil, fmt.Errorf("%w: '%v' is not lower than the curve order", ErrInvalidScalar, s)
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// ParsePublicKey parses a hex encoded compressed point.
func ParsePublicKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != secp256k1.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: '%v'", ErrInvalidPubKey, s)
	}
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return pk, nil
}

// Y returns hash_to_curve(secret) hex encoded, the identifier
// a mint uses for a proof in state checks.
func Y(secret string) (string, error) {
	point, err := HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(point.SerializeCompressed()), nil
}
