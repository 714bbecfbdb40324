package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut01"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut04"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut05"
	"github.com/elnosh/nutrecovery/crypto"
	"github.com/elnosh/nutrecovery/metrics"
	"github.com/elnosh/nutrecovery/settlement"
	"github.com/elnosh/nutrecovery/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const DefaultFeeReservePercent = 0.05

// MintClient is the subset of the mint api used to move
// a payment between mints over Lightning.
type MintClient interface {
	GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, mintURL string,
		request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, mintURL string,
		request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostMeltQuoteBolt11(ctx context.Context, mintURL string,
		request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, mintURL string,
		request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
}

type CollectorConfig struct {
	// Amount is the price of a paid recovery in sats
	Amount         uint64
	CollectionMint string
	AccessKey      string
	// FeeReservePercent of Amount kept for Lightning routing fees
	// when moving a payment between mints
	FeeReservePercent float64
}

// Collector deposits payment tokens into the collection wallet.
type Collector struct {
	client  MintClient
	wallet  settlement.Wallet
	ledger  storage.DB
	metrics *metrics.Metrics
	logger  *slog.Logger

	amount            uint64
	collectionMint    string
	accessKey         string
	feeReservePercent float64
}

func NewCollector(
	config CollectorConfig,
	client MintClient,
	wallet settlement.Wallet,
	ledger storage.DB,
	metrics *metrics.Metrics,
	logger *slog.Logger,
) *Collector {
	if config.FeeReservePercent < 0 || config.FeeReservePercent >= 1 {
		config.FeeReservePercent = DefaultFeeReservePercent
	}
	return &Collector{
		client:            client,
		wallet:            wallet,
		ledger:            ledger,
		metrics:           metrics,
		logger:            logger,
		amount:            config.Amount,
		collectionMint:    config.CollectionMint,
		accessKey:         config.AccessKey,
		feeReservePercent: config.FeeReservePercent,
	}
}

// MintAmount is what the collection mint issues for a payment
// received from another mint.
func (c *Collector) MintAmount() uint64 {
	return uint64(math.Floor(float64(c.amount) * (1 - c.feeReservePercent)))
}

// Collect deposits the payment token in the collection wallet. Tokens
// from a mint other than the collection mint are melted there to pay
// an invoice of the collection mint.
func (c *Collector) Collect(ctx context.Context, token cashu.Token, tokenstr string) error {
	if c.accessKey == "" {
		c.logger.Warn("collection access key not configured, skipping deposit",
			slog.String("mint", token.Mint()), slog.String("token", tokenstr))
		return nil
	}

	if c.collectionMint == "" || token.Mint() == c.collectionMint {
		balance, err := c.wallet.Receive(ctx, c.accessKey, tokenstr)
		if err != nil {
			return err
		}
		c.logger.Info("payment deposited in collection wallet",
			slog.String("mint", token.Mint()), slog.Uint64("balance", balance))
		return nil
	}

	c.logger.Info("collecting payment from another mint",
		slog.String("sourceMint", token.Mint()), slog.String("collectionMint", c.collectionMint))
	return c.exchange(ctx, token)
}

func (c *Collector) exchange(ctx context.Context, token cashu.Token) error {
	sourceMint := token.Mint()
	mintAmount := c.MintAmount()
	if mintAmount == 0 {
		return apperr.Serverf(apperr.Params{"caller": "collector"}, "payment amount too low to collect from another mint")
	}
	params := apperr.Params{"caller": "collector", "sourceMint": sourceMint, "collectionMint": c.collectionMint}

	mintQuote, err := c.client.PostMintQuoteBolt11(ctx, c.collectionMint,
		nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: cashu.Sat.String()})
	if err != nil {
		return err
	}
	invoice, err := decodepay.Decodepay(mintQuote.Request)
	if err != nil {
		return apperr.Connectionf(params, "collection mint returned invalid invoice: %v", err)
	}
	if uint64(invoice.MSatoshi) != mintAmount*1000 {
		return apperr.Connectionf(params, "collection mint invoice is for %v msat, expected %v",
			invoice.MSatoshi, mintAmount*1000)
	}
	c.logger.Debug("mint quote created", slog.String("quote", mintQuote.Quote),
		slog.Uint64("mintAmount", mintAmount))

	meltQuote, err := c.client.PostMeltQuoteBolt11(ctx, sourceMint,
		nut05.PostMeltQuoteBolt11Request{Request: mintQuote.Request, Unit: cashu.Sat.String()})
	if err != nil {
		return err
	}

	proofs := token.Proofs()
	needed := meltQuote.Amount + meltQuote.FeeReserve
	if proofs.Amount() < needed {
		params["proofsTotal"] = proofs.Amount()
		params["needed"] = needed
		return apperr.Validationf(params,
			"Insufficient proofs for inter-mint exchange: have %v sat, need %v sat (%v + %v fee reserve)",
			proofs.Amount(), needed, meltQuote.Amount, meltQuote.FeeReserve)
	}

	meltResponse, err := c.client.PostMeltBolt11(ctx, sourceMint,
		nut05.PostMeltBolt11Request{Quote: meltQuote.Quote, Inputs: proofs})
	if err != nil {
		return err
	}
	if !meltResponse.IsPaid() {
		params["quote"] = meltQuote.Quote
		return apperr.Connectionf(params,
			"Lightning payment failed during inter-mint exchange (state: %v)", meltResponse.State)
	}
	c.logger.Info("lightning payment between mints settled", slog.String("quote", mintQuote.Quote))

	// the payment is settled from here on. Failures are kept
	// in the ledger and do not fail the request
	if err := c.mintAndDeposit(ctx, mintQuote.Quote, mintAmount); err != nil {
		c.metrics.CollectionFailed()
		c.logger.Error("could not collect payment at collection mint, recorded for reconciliation",
			slog.String("quote", mintQuote.Quote), slog.String("collectionMint", c.collectionMint),
			slog.String("error", err.Error()))

		pending := storage.PendingCollection{
			Quote:          mintQuote.Quote,
			CollectionMint: c.collectionMint,
			SourceMint:     sourceMint,
			Amount:         mintAmount,
			Request:        mintQuote.Request,
			Error:          err.Error(),
			CreatedAt:      time.Now().Unix(),
			Attempts:       1,
		}
		if c.ledger == nil {
			c.logger.Error("no ledger configured, collection must be recovered manually",
				slog.String("quote", pending.Quote))
		} else if err := c.ledger.SaveCollection(pending); err != nil {
			c.logger.Error("could not record pending collection", slog.String("quote", pending.Quote),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Retry mints and deposits a pending collection recorded in the ledger.
// The record is removed once the proofs are deposited.
func (c *Collector) Retry(ctx context.Context, quote string) error {
	if c.ledger == nil {
		return apperr.Serverf(nil, "no ledger configured")
	}
	pending, err := c.ledger.GetCollection(quote)
	if err != nil {
		if errors.Is(err, storage.ErrCollectionNotFound) {
			return apperr.NotFoundf(apperr.Params{"quote": quote}, "pending collection not found")
		}
		return err
	}

	collector := *c
	collector.collectionMint = pending.CollectionMint
	if err := collector.mintAndDeposit(ctx, pending.Quote, pending.Amount); err != nil {
		pending.Attempts++
		pending.Error = err.Error()
		if saveErr := c.ledger.SaveCollection(*pending); saveErr != nil {
			c.logger.Error("could not update pending collection", slog.String("quote", quote),
				slog.String("error", saveErr.Error()))
		}
		return err
	}

	c.logger.Info("pending collection deposited", slog.String("quote", quote), slog.Uint64("amount", pending.Amount))
	return c.ledger.DeleteCollection(quote)
}

func (c *Collector) mintAndDeposit(ctx context.Context, quote string, amount uint64) error {
	if c.accessKey == "" {
		return apperr.Serverf(nil, "collection access key not configured")
	}

	proofs, err := c.mintProofs(ctx, quote, amount)
	if err != nil {
		return err
	}

	token, err := cashu.NewTokenV4(proofs, c.collectionMint, cashu.Sat)
	if err != nil {
		return fmt.Errorf("could not create token: %v", err)
	}
	tokenstr, err := token.Serialize()
	if err != nil {
		return fmt.Errorf("could not serialize token: %v", err)
	}

	balance, err := c.wallet.Receive(ctx, c.accessKey, tokenstr)
	if err != nil {
		return err
	}
	c.logger.Info("payment collected from another mint", slog.Uint64("mintAmount", amount),
		slog.Uint64("balance", balance))
	return nil
}

func (c *Collector) mintProofs(ctx context.Context, quote string, amount uint64) (cashu.Proofs, error) {
	params := apperr.Params{"caller": "collector", "mintUrl": c.collectionMint, "quote": quote}

	quoteState, err := c.client.GetMintQuoteState(ctx, c.collectionMint, quote)
	if err != nil {
		return nil, err
	}
	if !quoteState.IsPaid() {
		return nil, apperr.Connectionf(params, "mint quote is not paid (state: %v)", quoteState.State)
	}

	keysets, err := c.client.GetActiveKeysets(ctx, c.collectionMint)
	if err != nil {
		return nil, err
	}
	var keyset *nut01.Keyset
	for i, ks := range keysets.Keysets {
		if ks.Unit == cashu.Sat.String() {
			keyset = &keysets.Keysets[i]
			break
		}
	}
	if keyset == nil {
		return nil, apperr.Connectionf(params, "collection mint has no active sat keyset")
	}
	keys, err := crypto.ParseKeys(keyset.Keys)
	if err != nil {
		return nil, apperr.Connectionf(params, "collection mint returned invalid keys: %v", err)
	}

	blindedMessages, secrets, rs, err := createBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, err
	}

	mintResponse, err := c.client.PostMintBolt11(ctx, c.collectionMint,
		nut04.PostMintBolt11Request{Quote: quote, Outputs: blindedMessages})
	if err != nil {
		return nil, err
	}

	return constructProofs(mintResponse.Signatures, blindedMessages, secrets, rs, keys, params)
}

// createBlindedMessages splits amount in powers of 2 and
// creates a blinded message with a random secret for each.
func createBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, err := crypto.BlindMessage([]byte(secret), r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func constructProofs(
	signatures cashu.BlindedSignatures,
	blindedMessages cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keys map[uint64]*secp256k1.PublicKey,
	params apperr.Params,
) (cashu.Proofs, error) {
	if len(signatures) != len(blindedMessages) {
		return nil, apperr.Connectionf(params, "mint returned %v signatures for %v outputs",
			len(signatures), len(blindedMessages))
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		K, ok := keys[signature.Amount]
		if !ok {
			return nil, apperr.Connectionf(params, "no mint public key for amount %v", signature.Amount)
		}
		C_, err := crypto.ParsePublicKey(signature.C_)
		if err != nil {
			return nil, apperr.Connectionf(params, "mint returned invalid signature: %v", err)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}
