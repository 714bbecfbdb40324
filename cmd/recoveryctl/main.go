package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut13"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut18"
	"github.com/elnosh/nutrecovery/client"
	"github.com/elnosh/nutrecovery/jobs"
	"github.com/elnosh/nutrecovery/payment"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	serviceFlag   = "service"
	mintFlag      = "mint"
	keysetFlag    = "keyset"
	batchesFlag   = "batches"
	batchSizeFlag = "batch-size"
	gapLimitFlag  = "gap-limit"
	startFlag     = "start"
	tokenFlag     = "token"
	waitFlag      = "wait"

	defaultServiceURL = "http://127.0.0.1:3003"
	pollInterval      = 2 * time.Second
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	// optional, flags and the environment work without it
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "recoveryctl",
		Usage: "restore cashu ecash from a seed phrase through a recovery service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    serviceFlag,
				Value:   defaultServiceURL,
				EnvVars: []string{"RECOVERY_SERVICE_URL"},
				Usage:   "Recovery service url",
			},
		},
		Commands: []*cli.Command{
			restoreCmd,
			statusCmd,
			sweepCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Derive outputs from a seed phrase and submit them for recovery",
	ArgsUsage: "[mnemonic]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     mintFlag,
			Usage:    "Mint to restore from",
			EnvVars:  []string{"MINT_URL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  keysetFlag,
			Usage: "Keyset to restore. Defaults to the mint's active sat keyset",
		},
		&cli.IntFlag{
			Name:  batchesFlag,
			Value: 10,
			Usage: "Number of batches of outputs to derive",
		},
		&cli.IntFlag{
			Name:  batchSizeFlag,
			Value: recovery.DefaultBatchSize,
			Usage: "Outputs per batch",
		},
		&cli.IntFlag{
			Name:  gapLimitFlag,
			Value: recovery.DefaultGapLimit,
			Usage: "Outputs without signatures after which the scan stops",
		},
		&cli.UintFlag{
			Name:  startFlag,
			Usage: "Counter of the first derived output",
		},
		&cli.StringFlag{
			Name:  tokenFlag,
			Usage: "Cashu token paying for the recovery, if the service requires it",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "Wait for the recovery to finish",
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	mnemonic := strings.TrimSpace(ctx.Args().First())
	if mnemonic == "" {
		mnemonic = strings.TrimSpace(os.Getenv("RECOVERY_MNEMONIC"))
	}
	if mnemonic == "" {
		printErr(errors.New("mnemonic not provided. Pass it as argument or set RECOVERY_MNEMONIC"))
	}
	master, err := nut13.MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		printErr(err)
	}

	mintURL := strings.TrimRight(ctx.String(mintFlag), "/")
	mintClient := client.New(client.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	keyset, err := mintKeyset(ctx.Context, mintClient, mintURL, ctx.String(keysetFlag))
	if err != nil {
		printErr(err)
	}

	batches, err := recovery.DeriveBatches(master, keyset.Id, uint32(ctx.Uint(startFlag)),
		ctx.Int(batchSizeFlag), ctx.Int(batchesFlag))
	if err != nil {
		printErr(err)
	}

	request := recovery.Request{
		MintURL:   mintURL,
		KeysetId:  keyset.Id,
		Keyset:    keyset,
		Batches:   batches,
		GapLimit:  ctx.Int(gapLimitFlag),
		BatchSize: ctx.Int(batchSizeFlag),
	}

	header := http.Header{}
	if token := ctx.String(tokenFlag); token != "" {
		header.Set(payment.Header, token)
	}
	var submitted jobs.SubmitResponse
	resp, err := post(ctx.String(serviceFlag)+"/api/recovery", request, header, &submitted)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusPaymentRequired {
			printPaymentRequest(resp.Header.Get(payment.Header))
		}
		printErr(err)
	}

	fmt.Printf("recovery job: %v\n", submitted.JobId)
	if !ctx.Bool(waitFlag) {
		fmt.Printf("check progress with: recoveryctl status %v\n", submitted.JobId)
		return nil
	}
	return waitForJob(ctx, submitted.JobId)
}

// mintKeyset gets the keyset to restore from the mint. Mints that
// cannot restore outputs or check proof states are refused.
func mintKeyset(ctx context.Context, mintClient *client.Client, mintURL, keysetId string) (*recovery.Keyset, error) {
	info, err := mintClient.GetMintInfo(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("could not get mint info: %v", err)
	}
	if !info.SupportsRestore() {
		return nil, fmt.Errorf("mint at %v does not support restoring ecash (NUT-07 and NUT-09 required)", mintURL)
	}

	if keysetId != "" {
		keysets, err := mintClient.GetKeysetById(ctx, mintURL, keysetId)
		if err == nil {
			for _, keyset := range keysets.Keysets {
				if keyset.Id == keysetId {
					return &recovery.Keyset{Id: keyset.Id, Keys: keyset.Keys}, nil
				}
			}
		}
		return nil, keysetNotFound(ctx, mintClient, mintURL, keysetId)
	}

	keysets, err := mintClient.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	for _, keyset := range keysets.Keysets {
		if keyset.Unit == cashu.Sat.String() {
			return &recovery.Keyset{Id: keyset.Id, Keys: keyset.Keys}, nil
		}
	}
	return nil, errors.New("mint has no active sat keyset")
}

// keysetNotFound lists the keysets of the mint, inactive ones included,
// so the right one can be picked with --keyset.
func keysetNotFound(ctx context.Context, mintClient *client.Client, mintURL, keysetId string) error {
	all, err := mintClient.GetAllKeysets(ctx, mintURL)
	if err != nil || len(all.Keysets) == 0 {
		return fmt.Errorf("keyset '%v' not found at mint", keysetId)
	}

	available := make([]string, len(all.Keysets))
	for i, keyset := range all.Keysets {
		state := "inactive"
		if keyset.Active {
			state = "active"
		}
		available[i] = fmt.Sprintf("%v (%v, %v)", keyset.Id, keyset.Unit, state)
	}
	return fmt.Errorf("keyset '%v' not found at mint. Available keysets: %v",
		keysetId, strings.Join(available, ", "))
}

func printPaymentRequest(encoded string) {
	request, err := nut18.Decode(encoded)
	if err != nil {
		return
	}
	fmt.Printf("payment of %v %v required\n", request.Amount, request.Unit)
	if len(request.Mints) > 0 {
		fmt.Printf("accepted mints: %v\n", strings.Join(request.Mints, ", "))
	}
	fmt.Printf("payment request: %v\n", encoded)
	fmt.Printf("pay by passing a token with the --%v flag\n\n", tokenFlag)
}

type statusResponse struct {
	Status jobs.Status      `json:"status"`
	Result *recovery.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "Get the state of a recovery job",
	ArgsUsage: "[job id]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "Wait for the recovery to finish",
		},
	},
	Action: status,
}

func status(ctx *cli.Context) error {
	jobId := ctx.Args().First()
	if jobId == "" {
		printErr(errors.New("job id not provided"))
	}
	if ctx.Bool(waitFlag) {
		return waitForJob(ctx, jobId)
	}

	job, err := getJob(ctx.String(serviceFlag), jobId)
	if err != nil {
		printErr(err)
	}
	printJob(jobId, job)
	return nil
}

func getJob(serviceURL, jobId string) (*statusResponse, error) {
	resp, err := httpClient.Get(serviceURL + "/api/recovery/" + jobId)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var job statusResponse
	if err := parse(resp, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func waitForJob(ctx *cli.Context, jobId string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := getJob(ctx.String(serviceFlag), jobId)
		if err != nil {
			printErr(err)
		}
		if job.Status.Terminal() {
			printJob(jobId, job)
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Context.Done():
			return ctx.Context.Err()
		}
	}
}

func printJob(jobId string, job *statusResponse) {
	fmt.Printf("job %v: %v\n", jobId, job.Status)
	if job.Error != "" {
		fmt.Printf("error: %v\n", job.Error)
	}
	if result := job.Result; result != nil {
		fmt.Printf("recovered %v of %v proofs, %v sats\n", result.Proofs, result.TotalProofs, result.Balance)
		fmt.Printf("last counter with signature: %v\n", result.LastCounter)
		if result.Exhausted {
			fmt.Println("all batches had signatures, derive more batches to continue restoring")
		}
		if result.Balance > 0 {
			fmt.Printf("get the ecash with: recoveryctl sweep %v\n", jobId)
		}
	}
}

var sweepCmd = &cli.Command{
	Name:      "sweep",
	Usage:     "Get the recovered ecash of a completed job as a token",
	ArgsUsage: "[job id]",
	Action:    sweep,
}

func sweep(ctx *cli.Context) error {
	jobId := ctx.Args().First()
	if jobId == "" {
		printErr(errors.New("job id not provided"))
	}

	var swept struct {
		Token string `json:"token"`
	}
	url := ctx.String(serviceFlag) + "/api/recovery/" + jobId + "/sweep"
	if _, err := post(url, struct{}{}, nil, &swept); err != nil {
		printErr(err)
	}
	fmt.Println(swept.Token)
	return nil
}

func post(url string, body any, header http.Header, dst any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key := range header {
		req.Header.Set(key, header.Get(key))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return resp, parse(resp, dst)
}

type serviceError struct {
	Error struct {
		StatusCode int    `json:"statusCode"`
		Name       string `json:"name"`
		Message    string `json:"message"`
	} `json:"error"`
}

func parse(resp *http.Response, dst any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResponse serviceError
		if err := json.Unmarshal(body, &errResponse); err != nil || errResponse.Error.Message == "" {
			return fmt.Errorf("recovery service returned status %v", resp.StatusCode)
		}
		return errors.New(errResponse.Error.Message)
	}
	return json.Unmarshal(body, dst)
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
