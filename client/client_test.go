package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut07"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut09"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRestore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/restore" || req.Method != http.MethodPost {
			t.Errorf("unexpected request '%v %v'", req.Method, req.URL.Path)
		}
		var restoreRequest nut09.PostRestoreRequest
		if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
			t.Errorf("could not decode request: %v", err)
		}

		response := nut09.PostRestoreResponse{
			Outputs:    restoreRequest.Outputs[:1],
			Signatures: cashu.BlindedSignatures{{Amount: 1, C_: "02aa", Id: "00ad268c4d1f5826"}},
		}
		json.NewEncoder(rw).Encode(response)
	}))
	defer server.Close()

	client := New(Options{}, logger)
	outputs := cashu.BlindedMessages{
		{Amount: 1, B_: "02bb", Id: "00ad268c4d1f5826"},
		{Amount: 2, B_: "02cc", Id: "00ad268c4d1f5826"},
	}
	response, err := client.Restore(context.Background(), server.URL+"/", outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(response.Outputs) != 1 || response.Outputs[0].B_ != "02bb" {
		t.Fatalf("unexpected outputs: %+v", response.Outputs)
	}
	if len(response.Signatures) != 1 || response.Signatures[0].C_ != "02aa" {
		t.Fatalf("unexpected signatures: %+v", response.Signatures)
	}
}

func TestCheckStatePagination(t *testing.T) {
	var requests [][]string
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var stateRequest nut07.PostCheckStateRequest
		if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
			t.Errorf("could not decode request: %v", err)
		}
		requests = append(requests, stateRequest.Ys)

		states := make([]nut07.ProofState, 0, len(stateRequest.Ys))
		for _, Y := range stateRequest.Ys {
			// omit "e" from the response
			if Y == "e" {
				continue
			}
			state := nut07.Unspent
			if Y == "b" {
				state = nut07.Spent
			}
			states = append(states, nut07.ProofState{Y: Y, State: state})
		}
		json.NewEncoder(rw).Encode(nut07.PostCheckStateResponse{States: states})
	}))
	defer server.Close()

	client := New(Options{CheckStateBatchSize: 2}, logger)
	states, err := client.CheckState(context.Background(), server.URL, []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(requests) != 3 {
		t.Fatalf("expected 3 requests but got %v", len(requests))
	}
	if len(requests[2]) != 1 || requests[2][0] != "e" {
		t.Fatalf("unexpected last page: %v", requests[2])
	}

	expected := map[string]nut07.State{"a": nut07.Unspent, "b": nut07.Spent, "c": nut07.Unspent, "d": nut07.Unspent}
	if len(states) != len(expected) {
		t.Fatalf("expected %v states but got %v", len(expected), len(states))
	}
	for Y, state := range expected {
		if states[Y] != state {
			t.Errorf("expected state '%v' for '%v' but got '%v'", state, Y, states[Y])
		}
	}
	if _, ok := states["e"]; ok {
		t.Error("expected 'e' to be absent from states")
	}
}

func TestNonSuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v1/restore":
			rw.WriteHeader(http.StatusBadRequest)
			rw.Write([]byte(`{"detail":"outputs have already been signed","code":10002}`))
		case "/v1/checkstate":
			rw.WriteHeader(http.StatusInternalServerError)
			rw.Write([]byte("internal error"))
		default:
			rw.Write([]byte("not json"))
		}
	}))
	defer server.Close()

	client := New(Options{}, logger)
	ctx := context.Background()

	_, err := client.Restore(ctx, server.URL, cashu.BlindedMessages{})
	assertConnectionError(t, err, server.URL, "/v1/restore")
	if !strings.Contains(err.Error(), "outputs have already been signed") {
		t.Fatalf("expected mint detail in error but got '%v'", err)
	}

	_, err = client.CheckState(ctx, server.URL, []string{"a"})
	appErr := assertConnectionError(t, err, server.URL, "/v1/checkstate")
	if appErr.Params["body"] != "internal error" {
		t.Fatalf("expected response body in params but got '%v'", appErr.Params["body"])
	}

	_, err = client.GetMintInfo(ctx, server.URL)
	assertConnectionError(t, err, server.URL, "/v1/info")
}

func TestTimeout(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()
	defer close(done)

	client := New(Options{Timeout: 50 * time.Millisecond}, logger)
	_, err := client.Restore(context.Background(), server.URL, cashu.BlindedMessages{})
	assertConnectionError(t, err, server.URL, "/v1/restore")
}

func assertConnectionError(t *testing.T, err error, mintURL, endpoint string) *apperr.Error {
	t.Helper()
	appErr, ok := err.(*apperr.Error)
	if !ok {
		t.Fatalf("expected *apperr.Error but got '%T': %v", err, err)
	}
	if appErr.Kind != apperr.Connection {
		t.Fatalf("expected connection error but got '%v'", appErr.Kind)
	}
	if appErr.Params["mintUrl"] != mintURL || appErr.Params["endpoint"] != endpoint {
		t.Fatalf("unexpected params: %v", appErr.Params)
	}
	return appErr
}
