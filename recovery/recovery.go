// Package recovery rebuilds proofs from the signatures a mint
// returns on restore, drops the ones already spent and deposits
// the rest in a settlement wallet.
package recovery

import (
	"fmt"
	"net/url"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut01"
)

const (
	DefaultGapLimit  = 300
	DefaultBatchSize = 100
)

// Output is a blinded message with the material needed to unblind
// its signature, as derived by the wallet from its seed.
type Output struct {
	BlindedMessage cashu.BlindedMessage `json:"blindedMessage"`
	// hex encoded scalar, leading zeros may be missing
	BlindingFactor string `json:"blindingFactor"`
	// hex encoded bytes of the secret string
	Secret string `json:"secret"`
}

type OutputBatch struct {
	Counter uint32   `json:"counter"`
	Outputs []Output `json:"outputs"`
}

// Keyset is only used to unblind signatures. Its keys
// are not checked against the mint.
type Keyset struct {
	Id   string        `json:"id"`
	Keys nut01.KeysMap `json:"keys"`
}

type Request struct {
	MintURL   string        `json:"mintUrl"`
	KeysetId  string        `json:"keysetId"`
	Keyset    *Keyset       `json:"keyset"`
	Batches   []OutputBatch `json:"batches"`
	GapLimit  int           `json:"gapLimit,omitempty"`
	BatchSize int           `json:"batchSize,omitempty"`
}

type Limits struct {
	MaxBatches   int
	MaxBatchSize int
}

// Validate checks the request against limits and fills
// in the default gap limit and batch size.
func (r *Request) Validate(limits Limits) error {
	params := apperr.Params{"caller": "POST /api/recovery"}

	if r.MintURL == "" || r.KeysetId == "" || r.Keyset == nil || r.Batches == nil {
		return apperr.Validationf(params, "Missing required fields: mintUrl, keysetId, keyset, batches")
	}
	if u, err := url.Parse(r.MintURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validationf(params, "Invalid mintUrl '%v'", r.MintURL)
	}
	if len(r.Keyset.Keys) == 0 {
		return apperr.Validationf(params, "keyset has no keys")
	}
	if len(r.Batches) == 0 {
		return apperr.Validationf(params, "batches array must not be empty")
	}
	if limits.MaxBatches > 0 && len(r.Batches) > limits.MaxBatches {
		return apperr.Validationf(params, "Max batches number exceeded")
	}
	for _, batch := range r.Batches {
		if limits.MaxBatchSize > 0 && len(batch.Outputs) > limits.MaxBatchSize {
			return apperr.Validationf(params, "Batch at counter %v exceeds max batch size of %v",
				batch.Counter, limits.MaxBatchSize)
		}
	}

	if r.GapLimit < 0 || r.BatchSize < 0 {
		return apperr.Validationf(params, "gapLimit and batchSize must be positive")
	}
	if r.GapLimit == 0 {
		r.GapLimit = DefaultGapLimit
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	return nil
}

// RequiredEmptyBatches is the number of consecutive batches without
// signatures after which the scan stops.
func RequiredEmptyBatches(gapLimit, batchSize int) int {
	return (gapLimit + batchSize - 1) / batchSize
}

type Result struct {
	// unspent proofs deposited in the settlement wallet
	Proofs int `json:"proofs"`
	// proofs rebuilt from restore signatures, spent included
	TotalProofs           int    `json:"totalProofs"`
	Balance               uint64 `json:"balance"`
	LastScannedCounter    uint32 `json:"lastScannedCounter"`
	LastCounter           uint32 `json:"lastCounter"`
	LastBatchHadSignature bool   `json:"lastBatchHadSignature"`
	AccessKey             string `json:"accessKey"`
	WalletName            string `json:"walletName"`
	Exhausted             bool   `json:"exhausted"`
}

func WalletName(jobId string) string {
	return fmt.Sprintf("nutrecovery-%v", jobId)
}
