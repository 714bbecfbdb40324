package recovery

import (
	"context"
	"log/slog"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut09"
	"github.com/elnosh/nutrecovery/crypto"
)

type Restorer interface {
	Restore(ctx context.Context, mintURL string, outputs cashu.BlindedMessages) (*nut09.PostRestoreResponse, error)
}

type ScanResult struct {
	Proofs cashu.Proofs
	// last counter that had a signature. Starts at the first batch counter.
	LastFoundCounter uint32
	// last counter of the last batch sent to the mint
	LastScannedCounter    uint32
	LastBatchHadSignature bool
	// all batches were scanned before reaching the gap limit
	Exhausted      bool
	BatchesScanned int
}

type Scanner struct {
	restorer Restorer
	logger   *slog.Logger
}

func NewScanner(restorer Restorer, logger *slog.Logger) *Scanner {
	return &Scanner{restorer: restorer, logger: logger}
}

// Scan sends the batches in order to the mint restore endpoint and unblinds
// the signatures returned. It stops once ceil(gapLimit/batchSize) consecutive
// batches have no signatures.
func (s *Scanner) Scan(ctx context.Context, mintURL string, keyset Keyset, batches []OutputBatch,
	gapLimit, batchSize int) (*ScanResult, error) {

	requiredEmptyBatches := RequiredEmptyBatches(gapLimit, batchSize)
	result := &ScanResult{Proofs: cashu.Proofs{}}
	if len(batches) > 0 {
		result.LastFoundCounter = batches[0].Counter
	}

	keys := make(map[uint64]*secp256k1.PublicKey)
	emptyBatchesFound := 0

	for _, batch := range batches {
		blindedMessages := make(cashu.BlindedMessages, len(batch.Outputs))
		for i, output := range batch.Outputs {
			blindedMessages[i] = output.BlindedMessage
		}

		// a batch without outputs is not sent and counts as empty
		restoreResponse := &nut09.PostRestoreResponse{}
		if len(blindedMessages) > 0 {
			var err error
			restoreResponse, err = s.restorer.Restore(ctx, mintURL, blindedMessages)
			if err != nil {
				return nil, err
			}
		}
		if len(restoreResponse.Outputs) != len(restoreResponse.Signatures) {
			return nil, apperr.Connectionf(
				apperr.Params{"mintUrl": mintURL, "endpoint": "/v1/restore", "counter": batch.Counter},
				"mint returned %v outputs and %v signatures",
				len(restoreResponse.Outputs), len(restoreResponse.Signatures),
			)
		}

		result.BatchesScanned++
		result.LastScannedCounter = batch.Counter
		if len(batch.Outputs) > 0 {
			result.LastScannedCounter = batch.Counter + uint32(len(batch.Outputs)) - 1
		}

		signatures := make(map[string]cashu.BlindedSignature, len(restoreResponse.Outputs))
		for i, output := range restoreResponse.Outputs {
			signatures[output.B_] = restoreResponse.Signatures[i]
		}

		batchHadSignature := false
		for i, output := range batch.Outputs {
			signature, ok := signatures[output.BlindedMessage.B_]
			if !ok {
				continue
			}

			K, err := s.mintKey(keys, keyset, signature.Amount)
			if err != nil {
				return nil, err
			}
			proof, err := ConstructProof(output, signature, K)
			if err != nil {
				return nil, err
			}
			result.Proofs = append(result.Proofs, proof)
			result.LastFoundCounter = batch.Counter + uint32(i)
			batchHadSignature = true
		}
		result.LastBatchHadSignature = batchHadSignature

		if batchHadSignature {
			emptyBatchesFound = 0
			s.logger.Debug("signatures found in batch", slog.Any("counter", batch.Counter),
				slog.Int("signatures", len(signatures)), slog.Int("totalProofs", len(result.Proofs)))
			continue
		}

		emptyBatchesFound++
		s.logger.Debug("empty batch", slog.Any("counter", batch.Counter),
			slog.Int("emptyBatchesFound", emptyBatchesFound), slog.Int("requiredEmptyBatches", requiredEmptyBatches))
		if emptyBatchesFound >= requiredEmptyBatches {
			s.logger.Info("gap limit reached", slog.String("mintUrl", mintURL),
				slog.Any("counter", batch.Counter), slog.Int("emptyBatchesFound", emptyBatchesFound))
			return result, nil
		}
	}

	result.Exhausted = len(batches) > 0
	if result.Exhausted {
		s.logger.Warn("all batches scanned before reaching gap limit, more proofs may exist",
			slog.String("mintUrl", mintURL), slog.Any("lastCounter", result.LastFoundCounter),
			slog.Int("batches", len(batches)))
	}
	return result, nil
}

// mintKey parses the key for amount once per scan.
func (s *Scanner) mintKey(keys map[uint64]*secp256k1.PublicKey, keyset Keyset, amount uint64) (*secp256k1.PublicKey, error) {
	if K, ok := keys[amount]; ok {
		return K, nil
	}

	params := apperr.Params{"keysetId": keyset.Id, "amount": amount}
	pubkey, ok := keyset.Keys[amount]
	if !ok {
		return nil, apperr.Serverf(params, "No mint pubkey for amount %v", amount)
	}
	K, err := crypto.ParsePublicKey(pubkey)
	if err != nil {
		return nil, apperr.WrapValidation(err, params, "invalid keyset pubkey")
	}
	keys[amount] = K
	return K, nil
}
