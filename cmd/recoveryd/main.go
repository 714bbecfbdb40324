package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elnosh/nutrecovery/client"
	"github.com/elnosh/nutrecovery/config"
	"github.com/elnosh/nutrecovery/jobs"
	"github.com/elnosh/nutrecovery/metrics"
	"github.com/elnosh/nutrecovery/payment"
	"github.com/elnosh/nutrecovery/pubsub"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/elnosh/nutrecovery/server"
	"github.com/elnosh/nutrecovery/settlement"
	"github.com/elnosh/nutrecovery/storage"
	"github.com/urfave/cli/v2"
)

const (
	envFileFlag = "env-file"
	portFlag    = "port"
	retryFlag   = "retry"
)

func main() {
	app := &cli.App{
		Name:  "recoveryd",
		Usage: "cashu ecash recovery service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  envFileFlag,
				Value: ".env",
				Usage: "Load configuration from this env file if it exists",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			reconcileCmd,
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type service struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	client  *client.Client
	wallet  *settlement.Ippon
	ledger  *storage.BoltDB
}

func setupService(ctx *cli.Context) (*service, error) {
	cfg, err := config.Load(ctx.String(envFileFlag))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet(portFlag) {
		cfg.Port = ctx.String(portFlag)
	}
	logger := cfg.Logger(os.Stdout)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("could not create data directory: %v", err)
	}
	ledger, err := storage.InitBolt(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("could not open collections ledger: %v", err)
	}

	return &service{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
		client:  client.New(cfg.ClientOptions(), logger),
		wallet:  settlement.NewIppon(cfg.IpponBase, cfg.HTTPClientTimeout, logger),
		ledger:  ledger,
	}, nil
}

func (s *service) collector() *payment.Collector {
	return payment.NewCollector(payment.CollectorConfig{
		Amount:            s.config.Payment.Amount,
		CollectionMint:    s.config.Payment.CollectionMint,
		AccessKey:         s.config.Payment.AccessKey,
		FeeReservePercent: s.config.Payment.FeeReservePercent,
	}, s.client, s.wallet, s.ledger, s.metrics, s.logger)
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run the recovery http server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  portFlag,
			Usage: "Port to listen on. Overrides PORT",
		},
	},
	Action: serve,
}

func serve(ctx *cli.Context) error {
	s, err := setupService(ctx)
	if err != nil {
		return err
	}
	defer s.ledger.Close()

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := s.config
	if cfg.Payment.AccessKey == "" {
		s.logger.Warn("PAYMENT_COLLECTION_ACCESS_KEY not set, payments will be accepted but not collected")
	}

	recoveryService := recovery.NewService(s.client, s.wallet, s.logger)
	manager := jobs.NewManager(cfg.Jobs, recoveryService, s.wallet, pubsub.NewPubSub(), s.metrics, s.logger)
	manager.Start(runCtx)

	gate := payment.NewGate(payment.GateConfig{
		Amount:       cfg.Payment.Amount,
		FreeRequests: cfg.Payment.FreeRequests,
		Window:       cfg.Payment.Window,
		Mints:        cfg.Payment.Mints,
	}, s.collector(), s.metrics, s.logger)
	gate.Start(runCtx)

	srv := server.New(server.Config{
		Port:                 cfg.Port,
		CORSOrigin:           cfg.CORSOrigin,
		RateLimitMax:         cfg.RateLimitMax,
		RateLimitRecoveryMax: cfg.RateLimitRecoveryMax,
		RateLimitWindow:      cfg.RateLimitWindow,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		Limits:               cfg.Limits,
	}, manager, gate, s.wallet, s.metrics, s.logger)

	s.logger.Info("starting recovery service",
		slog.String("port", cfg.Port),
		slog.String("ipponBase", cfg.IpponBase),
		slog.Uint64("paymentAmount", cfg.Payment.Amount),
		slog.Int("freeRequests", cfg.Payment.FreeRequests),
		slog.Int("workers", cfg.Jobs.Workers))

	if err := srv.Start(runCtx); err != nil {
		return fmt.Errorf("error running server: %v", err)
	}

	s.logger.Info("waiting for running recoveries to finish")
	manager.Wait()
	return nil
}

var reconcileCmd = &cli.Command{
	Name:  "reconcile",
	Usage: "List payments that were exchanged but not deposited in the collection wallet",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  retryFlag,
			Usage: "Retry minting and depositing each pending collection",
		},
	},
	Action: reconcile,
}

func reconcile(ctx *cli.Context) error {
	s, err := setupService(ctx)
	if err != nil {
		return err
	}
	defer s.ledger.Close()

	pending, err := s.ledger.GetCollections()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending collections")
		return nil
	}

	collector := s.collector()
	for _, collection := range pending {
		fmt.Printf("quote: %v\n", collection.Quote)
		fmt.Printf("  amount: %v sat\n", collection.Amount)
		fmt.Printf("  from: %v\n", collection.SourceMint)
		fmt.Printf("  to: %v\n", collection.CollectionMint)
		fmt.Printf("  created: %v\n", time.Unix(collection.CreatedAt, 0).Format(time.RFC3339))
		fmt.Printf("  attempts: %v\n", collection.Attempts)
		fmt.Printf("  last error: %v\n", collection.Error)

		if ctx.Bool(retryFlag) {
			if err := collector.Retry(ctx.Context, collection.Quote); err != nil {
				fmt.Printf("  retry failed: %v\n", err)
			} else {
				fmt.Println("  deposited")
			}
		}
	}
	return nil
}
