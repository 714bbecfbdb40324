// Package testutils provides in-process fakes of the services the
// recovery service talks to: mints, a lightning network and
// the custodial settlement wallet.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut01"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut02"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut04"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut05"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut06"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut07"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut09"
	"github.com/elnosh/nutrecovery/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var (
	quoteNotPaidErr     = cashu.Error{Detail: "quote not paid", Code: 20001}
	quoteAlreadyIssued  = cashu.Error{Detail: "quote already issued", Code: 20002}
	unknownQuoteErr     = cashu.Error{Detail: "unknown quote", Code: 20003}
	insufficientInputs  = cashu.Error{Detail: "not enough inputs provided for melt", Code: 11000}
	proofAlreadyUsedErr = cashu.Error{Detail: "proof already used", Code: 11001}
	invalidProofErr     = cashu.Error{Detail: "invalid proof", Code: 10003}
	unknownKeysetErr    = cashu.Error{Detail: "unknown keyset", Code: 12001}
	invalidOutputsErr   = cashu.Error{Detail: "outputs do not match quote amount", Code: 11002}
)

type mintQuote struct {
	id          string
	amount      uint64
	request     string
	paymentHash string
	issued      bool
}

type meltQuote struct {
	id         string
	request    string
	amount     uint64
	feeReserve uint64
	state      nut05.State
	preimage   string
}

// FakeMint serves the mint endpoints used by the recovery service.
type FakeMint struct {
	Server    *httptest.Server
	URL       string
	Keyset    *crypto.MintKeyset
	Lightning *FakeLightning
	// fee reserve added to every melt quote
	FeeReserve uint64
	// mint info omits the restore endpoints
	NoRestore bool
	// listed by /v1/keysets next to the active keyset
	InactiveKeysets []nut02.Keyset

	mu         sync.Mutex
	signatures map[string]cashu.BlindedSignature
	spent      map[string]bool
	omitted    map[string]bool
	mintQuotes map[string]*mintQuote
	meltQuotes map[string]*meltQuote
	failures   map[string]int
	restores   []cashu.BlindedMessages
}

// NewFakeMint starts a mint with a single active sat keyset. The
// server is closed when the test finishes.
func NewFakeMint(t testingT, seed string, lightning *FakeLightning) *FakeMint {
	if lightning == nil {
		lightning = NewFakeLightning()
	}
	fm := &FakeMint{
		Keyset:     crypto.GenerateKeyset(seed, "0/0/0", 16),
		Lightning:  lightning,
		signatures: make(map[string]cashu.BlindedSignature),
		spent:      make(map[string]bool),
		omitted:    make(map[string]bool),
		mintQuotes: make(map[string]*mintQuote),
		meltQuotes: make(map[string]*meltQuote),
		failures:   make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/info", fm.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", fm.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", fm.handleKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", fm.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/restore", fm.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", fm.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11", fm.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote}", fm.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", fm.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", fm.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/bolt11", fm.handleMelt).Methods(http.MethodPost)
	r.Use(fm.failureMiddleware)

	fm.Server = httptest.NewServer(r)
	fm.URL = fm.Server.URL
	t.Cleanup(fm.Server.Close)
	return fm
}

// testingT is the subset of testing.TB used by the fakes.
type testingT interface {
	Cleanup(func())
}

// Fail makes requests to path return status until cleared with a 0 status.
func (fm *FakeMint) Fail(path string, status int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if status == 0 {
		delete(fm.failures, path)
		return
	}
	fm.failures[path] = status
}

// SignOutputs signs outputs as if they had been minted before,
// so that restore returns their signatures.
func (fm *FakeMint) SignOutputs(outputs cashu.BlindedMessages) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	_, err := fm.sign(outputs)
	return err
}

// IssueProofs returns valid unspent proofs for amount.
func (fm *FakeMint) IssueProofs(amount uint64) (cashu.Proofs, error) {
	proofs := make(cashu.Proofs, 0)
	for _, amt := range cashu.AmountSplit(amount) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		Y, err := crypto.HashToCurve([]byte(secret))
		if err != nil {
			return nil, err
		}
		C := crypto.SignBlindedMessage(Y, fm.Keyset.KeyPairs[amt].PrivateKey)
		proofs = append(proofs, cashu.Proof{
			Amount: amt,
			Id:     fm.Keyset.Id,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		})
	}
	return proofs, nil
}

func (fm *FakeMint) MarkSpent(secrets ...string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, secret := range secrets {
		Y, _ := crypto.Y(secret)
		fm.spent[Y] = true
	}
}

// OmitState excludes the secrets from checkstate responses.
func (fm *FakeMint) OmitState(secrets ...string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, secret := range secrets {
		Y, _ := crypto.Y(secret)
		fm.omitted[Y] = true
	}
}

func (fm *FakeMint) IsSpent(secret string) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	Y, _ := crypto.Y(secret)
	return fm.spent[Y]
}

// Restores returns the outputs of every restore request received.
func (fm *FakeMint) Restores() []cashu.BlindedMessages {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]cashu.BlindedMessages{}, fm.restores...)
}

// MintQuotesIssued returns the number of mint quotes with issued ecash.
func (fm *FakeMint) MintQuotesIssued() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	issued := 0
	for _, quote := range fm.mintQuotes {
		if quote.issued {
			issued++
		}
	}
	return issued
}

func (fm *FakeMint) failureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fm.mu.Lock()
		status, ok := fm.failures[req.URL.Path]
		fm.mu.Unlock()
		if ok {
			rw.WriteHeader(status)
			rw.Write([]byte("fake mint failure"))
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

func (fm *FakeMint) handleInfo(rw http.ResponseWriter, req *http.Request) {
	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "fake/0.1.0",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}},
			Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}},
			Nut07: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: !fm.NoRestore},
		},
	}
	writeJSON(rw, info)
}

func (fm *FakeMint) publicKeyset() nut01.Keyset {
	return nut01.Keyset{Id: fm.Keyset.Id, Unit: fm.Keyset.Unit, Keys: fm.Keyset.PublicKeys()}
}

func (fm *FakeMint) handleKeys(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{fm.publicKeyset()}})
}

func (fm *FakeMint) handleKeysetById(rw http.ResponseWriter, req *http.Request) {
	if mux.Vars(req)["id"] != fm.Keyset.Id {
		writeCashuErr(rw, unknownKeysetErr)
		return
	}
	writeJSON(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{fm.publicKeyset()}})
}

func (fm *FakeMint) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets := []nut02.Keyset{{Id: fm.Keyset.Id, Unit: fm.Keyset.Unit, Active: true}}
	keysets = append(keysets, fm.InactiveKeysets...)
	writeJSON(rw, nut02.GetKeysetsResponse{Keysets: keysets})
}

func (fm *FakeMint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if !decodeBody(rw, req, &restoreRequest) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.restores = append(fm.restores, restoreRequest.Outputs)

	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range restoreRequest.Outputs {
		if signature, ok := fm.signatures[output.B_]; ok {
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	writeJSON(rw, response)
}

func (fm *FakeMint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if !decodeBody(rw, req, &stateRequest) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	states := make([]nut07.ProofState, 0, len(stateRequest.Ys))
	for _, Y := range stateRequest.Ys {
		if fm.omitted[Y] {
			continue
		}
		state := nut07.Unspent
		if fm.spent[Y] {
			state = nut07.Spent
		}
		states = append(states, nut07.ProofState{Y: Y, State: state})
	}
	writeJSON(rw, nut07.PostCheckStateResponse{States: states})
}

func (fm *FakeMint) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut04.PostMintQuoteBolt11Request
	if !decodeBody(rw, req, &quoteRequest) {
		return
	}

	request, hash, err := fm.Lightning.CreateInvoice(quoteRequest.Amount)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	quote := &mintQuote{id: uuid.NewString(), amount: quoteRequest.Amount, request: request, paymentHash: hash}
	fm.mu.Lock()
	fm.mintQuotes[quote.id] = quote
	fm.mu.Unlock()

	writeJSON(rw, fm.mintQuoteResponse(quote))
}

func (fm *FakeMint) mintQuoteResponse(quote *mintQuote) nut04.PostMintQuoteBolt11Response {
	state := nut04.Unpaid
	if quote.issued {
		state = nut04.Issued
	} else if fm.Lightning.IsPaid(quote.paymentHash) {
		state = nut04.Paid
	}
	return nut04.PostMintQuoteBolt11Response{
		Quote:   quote.id,
		Request: quote.request,
		State:   state,
		Paid:    state != nut04.Unpaid,
	}
}

func (fm *FakeMint) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	quote, ok := fm.mintQuotes[mux.Vars(req)["quote"]]
	if !ok {
		writeCashuErr(rw, unknownQuoteErr)
		return
	}
	writeJSON(rw, fm.mintQuoteResponse(quote))
}

func (fm *FakeMint) handleMint(rw http.ResponseWriter, req *http.Request) {
	var mintRequest nut04.PostMintBolt11Request
	if !decodeBody(rw, req, &mintRequest) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	quote, ok := fm.mintQuotes[mintRequest.Quote]
	if !ok {
		writeCashuErr(rw, unknownQuoteErr)
		return
	}
	if quote.issued {
		writeCashuErr(rw, quoteAlreadyIssued)
		return
	}
	if !fm.Lightning.IsPaid(quote.paymentHash) {
		writeCashuErr(rw, quoteNotPaidErr)
		return
	}
	if mintRequest.Outputs.Amount() != quote.amount {
		writeCashuErr(rw, invalidOutputsErr)
		return
	}

	signatures, err := fm.sign(mintRequest.Outputs)
	if err != nil {
		writeCashuErr(rw, cashu.Error{Detail: err.Error(), Code: 10000})
		return
	}
	quote.issued = true
	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (fm *FakeMint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if !decodeBody(rw, req, &quoteRequest) {
		return
	}

	invoice, err := decodepay.Decodepay(quoteRequest.Request)
	if err != nil {
		writeCashuErr(rw, cashu.Error{Detail: "invalid invoice: " + err.Error(), Code: 20008})
		return
	}

	quote := &meltQuote{
		id:         uuid.NewString(),
		request:    quoteRequest.Request,
		amount:     uint64(invoice.MSatoshi) / 1000,
		feeReserve: fm.FeeReserve,
		state:      nut05.Unpaid,
	}
	fm.mu.Lock()
	fm.meltQuotes[quote.id] = quote
	fm.mu.Unlock()

	writeJSON(rw, meltQuoteResponse(quote))
}

func meltQuoteResponse(quote *meltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.id,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      quote.state,
		Paid:       quote.state == nut05.Paid,
		Preimage:   quote.preimage,
	}
}

func (fm *FakeMint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if !decodeBody(rw, req, &meltRequest) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	quote, ok := fm.meltQuotes[meltRequest.Quote]
	if !ok {
		writeCashuErr(rw, unknownQuoteErr)
		return
	}
	if meltRequest.Inputs.Amount() < quote.amount+quote.feeReserve {
		writeCashuErr(rw, insufficientInputs)
		return
	}

	Ys := make([]string, len(meltRequest.Inputs))
	for i, proof := range meltRequest.Inputs {
		if err := fm.verifyProof(proof); err != nil {
			writeCashuErr(rw, invalidProofErr)
			return
		}
		Y, _ := crypto.Y(proof.Secret)
		if fm.spent[Y] {
			writeCashuErr(rw, proofAlreadyUsedErr)
			return
		}
		Ys[i] = Y
	}

	preimage, err := fm.Lightning.Pay(quote.request)
	if err != nil {
		quote.state = nut05.Unpaid
		writeJSON(rw, meltQuoteResponse(quote))
		return
	}
	for _, Y := range Ys {
		fm.spent[Y] = true
	}
	quote.state = nut05.Paid
	quote.preimage = preimage
	writeJSON(rw, meltQuoteResponse(quote))
}

func (fm *FakeMint) verifyProof(proof cashu.Proof) error {
	if proof.Id != fm.Keyset.Id {
		return unknownKeysetErr
	}
	keyPair, ok := fm.Keyset.KeyPairs[proof.Amount]
	if !ok {
		return invalidProofErr
	}
	C, err := crypto.ParsePublicKey(proof.C)
	if err != nil {
		return err
	}
	if !crypto.Verify([]byte(proof.Secret), keyPair.PrivateKey, C) {
		return invalidProofErr
	}
	return nil
}

// sign expects fm.mu to be held.
func (fm *FakeMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		C_, err := fm.Keyset.Sign(output.Amount, output.B_)
		if err != nil {
			return nil, err
		}
		signature := cashu.BlindedSignature{Amount: output.Amount, C_: C_, Id: fm.Keyset.Id}
		fm.signatures[output.B_] = signature
		signatures[i] = signature
	}
	return signatures, nil
}

func decodeBody(rw http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeCashuErr(rw, cashu.Error{Detail: "invalid request body: " + err.Error(), Code: 10000})
		return false
	}
	return true
}

func writeCashuErr(rw http.ResponseWriter, err cashu.Error) {
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(err)
}

func writeJSON(rw http.ResponseWriter, v any) {
	json.NewEncoder(rw).Encode(v)
}
