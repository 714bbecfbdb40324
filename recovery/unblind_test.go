package recovery

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/crypto"
)

func TestConstructProof(t *testing.T) {
	k, _ := secp256k1.GeneratePrivateKey()
	r, _ := secp256k1.GeneratePrivateKey()
	secret := "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"

	B_, err := crypto.BlindMessage([]byte(secret), r)
	if err != nil {
		t.Fatal(err)
	}
	C_ := crypto.SignBlindedMessage(B_, k)

	output := Output{
		BlindedMessage: cashu.NewBlindedMessage("009a1f293253e41e", 8, B_),
		// strip leading zeros to exercise short encodings
		BlindingFactor: trimLeadingZeros(hex.EncodeToString(r.Serialize())),
		Secret:         hex.EncodeToString([]byte(secret)),
	}
	signature := cashu.BlindedSignature{
		Amount: 8,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		Id:     "009a1f293253e41e",
	}

	proof, err := ConstructProof(output, signature, k.PubKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proof.Secret != secret {
		t.Fatalf("expected secret '%v' but got '%v'", secret, proof.Secret)
	}
	if proof.Amount != 8 || proof.Id != "009a1f293253e41e" {
		t.Fatalf("unexpected proof: %+v", proof)
	}

	C, err := crypto.ParsePublicKey(proof.C)
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.Verify([]byte(secret), k, C) {
		t.Fatal("unblinded signature does not verify")
	}
}

func TestConstructProofInvalid(t *testing.T) {
	k, _ := secp256k1.GeneratePrivateKey()
	validC_ := hex.EncodeToString(k.PubKey().SerializeCompressed())

	tests := []struct {
		name           string
		C_             string
		blindingFactor string
		secret         string
	}{
		{name: "invalid point", C_: "02zz", blindingFactor: "01", secret: "6869"},
		{name: "zero scalar", C_: validC_, blindingFactor: "00", secret: "6869"},
		{name: "scalar not hex", C_: validC_, blindingFactor: "0x12", secret: "6869"},
		{name: "secret not hex", C_: validC_, blindingFactor: "01", secret: "zz"},
		{name: "secret not utf-8", C_: validC_, blindingFactor: "01", secret: "c328"},
		{name: "empty secret", C_: validC_, blindingFactor: "01", secret: ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			output := Output{BlindingFactor: test.blindingFactor, Secret: test.secret}
			signature := cashu.BlindedSignature{Amount: 1, C_: test.C_}
			_, err := ConstructProof(output, signature, k.PubKey())
			if !apperr.Is(err, apperr.Validation) {
				t.Fatalf("expected validation error but got '%v'", err)
			}
		})
	}
}

func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
