package recovery

import (
	"context"
	"log/slog"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/settlement"
)

type MintClient interface {
	Restorer
	StateChecker
}

// Service runs the recovery pipeline: scan, filter
// and deposit in a settlement wallet.
type Service struct {
	client  MintClient
	scanner *Scanner
	wallet  settlement.Wallet
	logger  *slog.Logger
}

func NewService(client MintClient, wallet settlement.Wallet, logger *slog.Logger) *Service {
	return &Service{
		client:  client,
		scanner: NewScanner(client, logger),
		wallet:  wallet,
		logger:  logger,
	}
}

// Run expects a request that passed Validate.
func (s *Service) Run(ctx context.Context, jobId string, req Request) (*Result, error) {
	if req.Keyset == nil {
		return nil, apperr.Validationf(nil, "missing keyset")
	}
	logger := s.logger.With(slog.String("jobId", jobId), slog.String("mintUrl", req.MintURL))
	logger.Info("starting recovery", slog.String("keysetId", req.Keyset.Id),
		slog.Int("batches", len(req.Batches)), slog.Int("gapLimit", req.GapLimit),
		slog.Int("batchSize", req.BatchSize),
		slog.Int("requiredEmptyBatches", RequiredEmptyBatches(req.GapLimit, req.BatchSize)))

	scan, err := s.scanner.Scan(ctx, req.MintURL, *req.Keyset, req.Batches, req.GapLimit, req.BatchSize)
	if err != nil {
		return nil, err
	}

	unspent, err := FilterUnspent(ctx, s.client, req.MintURL, scan.Proofs, logger)
	if err != nil {
		return nil, err
	}

	result := &Result{
		TotalProofs:           len(scan.Proofs),
		LastScannedCounter:    scan.LastScannedCounter,
		LastCounter:           scan.LastFoundCounter,
		LastBatchHadSignature: scan.LastBatchHadSignature,
		Exhausted:             scan.Exhausted,
	}
	if len(unspent) == 0 {
		logger.Info("no unspent proofs found", slog.Any("lastCounter", result.LastCounter),
			slog.Bool("exhausted", result.Exhausted))
		return result, nil
	}

	token, err := cashu.NewTokenV4(unspent, req.MintURL, cashu.Sat)
	if err != nil {
		return nil, apperr.Serverf(apperr.Params{"caller": "recovery"}, "could not create token: %v", err)
	}
	tokenstr, err := token.Serialize()
	if err != nil {
		return nil, apperr.Serverf(apperr.Params{"caller": "recovery"}, "could not serialize token: %v", err)
	}

	wallet, err := s.wallet.CreateWallet(ctx, WalletName(jobId), "")
	if err != nil {
		return nil, err
	}
	logger.Info("settlement wallet created", slog.String("walletName", wallet.Name))

	balance, err := s.wallet.Receive(ctx, wallet.AccessKey, tokenstr)
	if err != nil {
		return nil, err
	}
	logger.Info("recovered proofs deposited", slog.String("walletName", wallet.Name),
		slog.Uint64("balance", balance))

	result.Proofs = len(unspent)
	result.Balance = balance
	result.AccessKey = wallet.AccessKey
	result.WalletName = wallet.Name
	return result, nil
}
