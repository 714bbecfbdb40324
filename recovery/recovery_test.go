package recovery

import (
	"testing"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
)

func validRequest() Request {
	return Request{
		MintURL:  "https://mint.example.com",
		KeysetId: "009a1f293253e41e",
		Keyset:   &Keyset{Id: "009a1f293253e41e", Keys: map[uint64]string{1: "02aa"}},
		Batches: []OutputBatch{
			{Counter: 0, Outputs: []Output{{BlindedMessage: cashu.BlindedMessage{Amount: 1, B_: "02bb"}}}},
		},
	}
}

func TestValidate(t *testing.T) {
	limits := Limits{MaxBatches: 2, MaxBatchSize: 1}
	output := Output{BlindedMessage: cashu.BlindedMessage{Amount: 1, B_: "02bb"}}

	tests := []struct {
		name   string
		modify func(*Request)
	}{
		{name: "missing mint url", modify: func(r *Request) { r.MintURL = "" }},
		{name: "invalid mint url", modify: func(r *Request) { r.MintURL = "mint.example.com" }},
		{name: "missing keyset id", modify: func(r *Request) { r.KeysetId = "" }},
		{name: "missing keyset", modify: func(r *Request) { r.Keyset = nil }},
		{name: "keyset without keys", modify: func(r *Request) { r.Keyset.Keys = nil }},
		{name: "missing batches", modify: func(r *Request) { r.Batches = nil }},
		{name: "empty batches", modify: func(r *Request) { r.Batches = []OutputBatch{} }},
		{name: "too many batches", modify: func(r *Request) {
			r.Batches = []OutputBatch{
				{Counter: 0, Outputs: []Output{output}},
				{Counter: 1, Outputs: []Output{output}},
				{Counter: 2, Outputs: []Output{output}},
			}
		}},
		{name: "batch too large", modify: func(r *Request) {
			r.Batches = []OutputBatch{{Counter: 0, Outputs: []Output{output, output}}}
		}},
		{name: "negative gap limit", modify: func(r *Request) { r.GapLimit = -1 }},
		{name: "negative batch size", modify: func(r *Request) { r.BatchSize = -100 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := validRequest()
			test.modify(&request)
			if err := request.Validate(limits); !apperr.Is(err, apperr.Validation) {
				t.Fatalf("expected validation error but got '%v'", err)
			}
		})
	}
}

func TestValidateBatchWithoutOutputs(t *testing.T) {
	request := validRequest()
	request.Batches = append(request.Batches, OutputBatch{Counter: 100})
	if err := request.Validate(Limits{MaxBatches: 50, MaxBatchSize: 100}); err != nil {
		t.Fatalf("expected batch without outputs to be accepted but got '%v'", err)
	}
}

func TestValidateDefaults(t *testing.T) {
	request := validRequest()
	if err := request.Validate(Limits{MaxBatches: 50, MaxBatchSize: 100}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.GapLimit != DefaultGapLimit || request.BatchSize != DefaultBatchSize {
		t.Fatalf("expected defaults but got gapLimit %v and batchSize %v", request.GapLimit, request.BatchSize)
	}

	request = validRequest()
	request.GapLimit = 10
	request.BatchSize = 5
	if err := request.Validate(Limits{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.GapLimit != 10 || request.BatchSize != 5 {
		t.Fatalf("expected values to be kept but got gapLimit %v and batchSize %v", request.GapLimit, request.BatchSize)
	}
}

func TestRequiredEmptyBatches(t *testing.T) {
	tests := []struct {
		gapLimit  int
		batchSize int
		expected  int
	}{
		{gapLimit: 4, batchSize: 2, expected: 2},
		{gapLimit: 300, batchSize: 100, expected: 3},
		{gapLimit: 301, batchSize: 100, expected: 4},
		{gapLimit: 50, batchSize: 100, expected: 1},
	}

	for _, test := range tests {
		if required := RequiredEmptyBatches(test.gapLimit, test.batchSize); required != test.expected {
			t.Errorf("expected %v for gap limit %v and batch size %v but got %v",
				test.expected, test.gapLimit, test.batchSize, required)
		}
	}
}
