package recovery

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut13"
	"github.com/elnosh/nutrecovery/crypto"
)

// DeriveBatches derives count batches of batchSize outputs for the keyset,
// starting at counter start, the way a wallet restoring from its seed does.
// Derivation happens client side: the service only receives the outputs.
func DeriveBatches(master *hdkeychain.ExtendedKey, keysetId string, start uint32, batchSize, count int) ([]OutputBatch, error) {
	keysetPath, err := nut13.DeriveKeysetPath(master, keysetId)
	if err != nil {
		return nil, fmt.Errorf("could not derive keyset path: %v", err)
	}

	batches := make([]OutputBatch, count)
	counter := start
	for i := 0; i < count; i++ {
		batch := OutputBatch{Counter: counter, Outputs: make([]Output, batchSize)}
		for j := 0; j < batchSize; j++ {
			output, err := deriveOutput(keysetPath, keysetId, counter)
			if err != nil {
				return nil, fmt.Errorf("could not derive output at counter %v: %v", counter, err)
			}
			batch.Outputs[j] = output
			counter++
		}
		batches[i] = batch
	}
	return batches, nil
}

func deriveOutput(keysetPath *hdkeychain.ExtendedKey, keysetId string, counter uint32) (Output, error) {
	secret, r, err := nut13.DeriveOutput(keysetPath, counter)
	if err != nil {
		return Output{}, err
	}
	B_, err := crypto.BlindMessage([]byte(secret), r)
	if err != nil {
		return Output{}, err
	}

	// amount is ignored on restore
	return Output{
		BlindedMessage: cashu.NewBlindedMessage(keysetId, 1, B_),
		BlindingFactor: hex.EncodeToString(r.Serialize()),
		Secret:         hex.EncodeToString([]byte(secret)),
	}, nil
}
