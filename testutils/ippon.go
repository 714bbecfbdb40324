package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/elnosh/nutrecovery/cashu"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type fakeWallet struct {
	name   string
	mint   string
	proofs cashu.Proofs
}

// FakeIppon serves the custodial wallet API. Received tokens are kept as is
// and sent back unchanged on send.
type FakeIppon struct {
	Server *httptest.Server
	URL    string

	mu       sync.Mutex
	wallets  map[string]*fakeWallet
	received []string
	failures map[string]int
}

func NewFakeIppon(t testingT) *FakeIppon {
	fi := &FakeIppon{
		wallets:  make(map[string]*fakeWallet),
		failures: make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/wallet", fi.handleCreateWallet).Methods(http.MethodPost)
	r.HandleFunc("/wallet", fi.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/wallet/receive", fi.handleReceive).Methods(http.MethodPost)
	r.HandleFunc("/wallet/send", fi.handleSend).Methods(http.MethodPost)

	fi.Server = httptest.NewServer(fi.failureMiddleware(r))
	fi.URL = fi.Server.URL
	t.Cleanup(fi.Server.Close)
	return fi
}

// AddWallet creates an empty wallet with a known access key.
func (fi *FakeIppon) AddWallet(name, accessKey string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.wallets[accessKey] = &fakeWallet{name: name}
}

func (fi *FakeIppon) Fail(path string, status int) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if status == 0 {
		delete(fi.failures, path)
		return
	}
	fi.failures[path] = status
}

func (fi *FakeIppon) Balance(accessKey string) uint64 {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if wallet, ok := fi.wallets[accessKey]; ok {
		return wallet.proofs.Amount()
	}
	return 0
}

// Proofs returns the proofs held by the wallet.
func (fi *FakeIppon) Proofs(accessKey string) cashu.Proofs {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if wallet, ok := fi.wallets[accessKey]; ok {
		return append(cashu.Proofs{}, wallet.proofs...)
	}
	return nil
}

// Received returns every token received, in order.
func (fi *FakeIppon) Received() []string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return append([]string{}, fi.received...)
}

func (fi *FakeIppon) WalletCount() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return len(fi.wallets)
}

func (fi *FakeIppon) failureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fi.mu.Lock()
		status, ok := fi.failures[req.URL.Path]
		fi.mu.Unlock()
		if ok {
			rw.WriteHeader(status)
			rw.Write([]byte(`{"error":"fake ippon failure"}`))
			return
		}
		next.ServeHTTP(rw, req)
	})
}

type walletResponse struct {
	Name      string `json:"name"`
	AccessKey string `json:"access_key"`
	Mint      string `json:"mint"`
	Unit      string `json:"unit"`
	Balance   uint64 `json:"balance"`
}

func (fi *FakeIppon) walletResponse(accessKey string, wallet *fakeWallet) walletResponse {
	return walletResponse{
		Name:      wallet.name,
		AccessKey: accessKey,
		Mint:      wallet.mint,
		Unit:      cashu.Sat.String(),
		Balance:   wallet.proofs.Amount(),
	}
}

// authorize expects fi.mu to be held.
func (fi *FakeIppon) authorize(rw http.ResponseWriter, req *http.Request) (string, *fakeWallet, bool) {
	accessKey := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	wallet, ok := fi.wallets[accessKey]
	if !ok {
		rw.WriteHeader(http.StatusUnauthorized)
		rw.Write([]byte(`{"error":"invalid access key"}`))
		return "", nil, false
	}
	return accessKey, wallet, true
}

// receive expects fi.mu to be held.
func (fi *FakeIppon) receive(rw http.ResponseWriter, wallet *fakeWallet, tokenstr string) bool {
	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte(`{"error":"invalid token"}`))
		return false
	}
	if wallet.mint == "" {
		wallet.mint = token.Mint()
	}
	wallet.proofs = append(wallet.proofs, token.Proofs()...)
	fi.received = append(fi.received, tokenstr)
	return true
}

func (fi *FakeIppon) handleCreateWallet(rw http.ResponseWriter, req *http.Request) {
	var request struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	accessKey := uuid.NewString()
	wallet := &fakeWallet{name: request.Name}
	if request.Token != "" && !fi.receive(rw, wallet, request.Token) {
		return
	}
	fi.wallets[accessKey] = wallet
	writeJSON(rw, fi.walletResponse(accessKey, wallet))
}

func (fi *FakeIppon) handleInfo(rw http.ResponseWriter, req *http.Request) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	accessKey, wallet, ok := fi.authorize(rw, req)
	if !ok {
		return
	}
	writeJSON(rw, fi.walletResponse(accessKey, wallet))
}

func (fi *FakeIppon) handleReceive(rw http.ResponseWriter, req *http.Request) {
	var request struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	_, wallet, ok := fi.authorize(rw, req)
	if !ok {
		return
	}
	if !fi.receive(rw, wallet, request.Token) {
		return
	}
	writeJSON(rw, map[string]uint64{"balance": wallet.proofs.Amount()})
}

func (fi *FakeIppon) handleSend(rw http.ResponseWriter, req *http.Request) {
	var request struct {
		Amount uint64 `json:"amount"`
		Unit   string `json:"unit"`
	}
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	_, wallet, ok := fi.authorize(rw, req)
	if !ok {
		return
	}
	if request.Amount == 0 || request.Amount != wallet.proofs.Amount() || request.Unit != cashu.Sat.String() {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte(`{"error":"invalid amount"}`))
		return
	}

	token, err := cashu.NewTokenV4(wallet.proofs, wallet.mint, cashu.Sat)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	tokenstr, err := token.Serialize()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	wallet.proofs = cashu.Proofs{}
	writeJSON(rw, map[string]string{"token": tokenstr})
}
