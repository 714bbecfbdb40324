package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var ErrUnknownInvoice = errors.New("invoice does not exist")

// FakeLightning is an in-memory lightning network shared by fake mints.
// An invoice created by one mint can be paid by another.
type FakeLightning struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice
	// FailPayments makes every payment fail
	FailPayments bool
}

type fakeInvoice struct {
	amount   uint64
	preimage string
	paid     bool
}

func NewFakeLightning() *FakeLightning {
	return &FakeLightning{invoices: make(map[string]*fakeInvoice)}
}

// CreateInvoice returns a bolt11 invoice for amount (in sats)
// and its payment hash.
func (fl *FakeLightning) CreateInvoice(amount uint64) (string, string, error) {
	request, preimage, hash, err := createFakeInvoice(amount)
	if err != nil {
		return "", "", err
	}

	fl.mu.Lock()
	fl.invoices[hash] = &fakeInvoice{amount: amount, preimage: preimage}
	fl.mu.Unlock()
	return request, hash, nil
}

// Pay settles an invoice created by CreateInvoice and returns the preimage.
func (fl *FakeLightning) Pay(request string) (string, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return "", fmt.Errorf("error decoding invoice: %v", err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.FailPayments {
		return "", errors.New("payment failed")
	}
	fakeInvoice, ok := fl.invoices[invoice.PaymentHash]
	if !ok {
		return "", ErrUnknownInvoice
	}
	fakeInvoice.paid = true
	return fakeInvoice.preimage, nil
}

func (fl *FakeLightning) IsPaid(hash string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	invoice, ok := fl.invoices[hash]
	return ok && invoice.paid
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
