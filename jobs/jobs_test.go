package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/pubsub"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/elnosh/nutrecovery/settlement"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRunner struct {
	mu      sync.Mutex
	release chan struct{}
	results map[string]*recovery.Result
	err     error
	calls   int
}

func (r *fakeRunner) Run(ctx context.Context, jobId string, req recovery.Request) (*recovery.Result, error) {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if result, ok := r.results[req.MintURL]; ok {
		return result, nil
	}
	return &recovery.Result{}, nil
}

type fakeWallet struct {
	balances map[string]uint64
}

func (w *fakeWallet) CreateWallet(ctx context.Context, name, token string) (*settlement.WalletInfo, error) {
	return nil, errors.New("not implemented")
}

func (w *fakeWallet) Receive(ctx context.Context, accessKey, token string) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (w *fakeWallet) Info(ctx context.Context, accessKey string) (*settlement.WalletInfo, error) {
	return &settlement.WalletInfo{Balance: w.balances[accessKey], Unit: "sat"}, nil
}

func (w *fakeWallet) SendAll(ctx context.Context, accessKey string) (string, error) {
	balance := w.balances[accessKey]
	if balance == 0 {
		return "", apperr.Validationf(nil, "Wallet balance is 0, nothing to sweep")
	}
	w.balances[accessKey] = 0
	return "cashuBswept", nil
}

func newTestManager(t *testing.T, runner Runner, wallet settlement.Wallet, config Config) *Manager {
	t.Helper()
	manager := NewManager(config, runner, wallet, pubsub.NewPubSub(), nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		manager.Wait()
	})
	return manager
}

func waitForStatus(t *testing.T, manager *Manager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := manager.Get(id)
		if err != nil {
			t.Fatalf("unexpected error getting job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job '%v' did not finish", id)
	return Job{}
}

func TestSubmitCompleted(t *testing.T) {
	runner := &fakeRunner{results: map[string]*recovery.Result{
		"http://mint": {Proofs: 3, Balance: 21, AccessKey: "key", WalletName: "nutrecovery-x"},
	}}
	manager := newTestManager(t, runner, nil, Config{})

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.PollURL != "/api/recovery/"+response.JobId {
		t.Fatalf("unexpected poll url '%v'", response.PollURL)
	}

	job := waitForStatus(t, manager, response.JobId)
	if job.Status != Completed {
		t.Fatalf("expected status '%v' but got '%v'", Completed, job.Status)
	}
	if job.Result == nil || job.Result.Balance != 21 || job.Result.Proofs != 3 {
		t.Fatalf("unexpected result: %+v", job.Result)
	}
	if job.Error != "" {
		t.Fatalf("expected no error but got '%v'", job.Error)
	}
}

func TestSubmitError(t *testing.T) {
	runner := &fakeRunner{err: apperr.Connectionf(nil, "mint returned 500")}
	manager := newTestManager(t, runner, nil, Config{})

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := waitForStatus(t, manager, response.JobId)
	if job.Status != Error {
		t.Fatalf("expected status '%v' but got '%v'", Error, job.Status)
	}
	if job.Error != "mint returned 500" {
		t.Fatalf("unexpected job error '%v'", job.Error)
	}
	if job.Result != nil {
		t.Fatalf("expected no result but got %+v", job.Result)
	}
}

func TestSubmitDoesNotBlock(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	manager := newTestManager(t, runner, nil, Config{Workers: 1})
	defer close(runner.release)

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := manager.Get(response.JobId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != InProgress {
		t.Fatalf("expected status '%v' but got '%v'", InProgress, job.Status)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	runner := &fakeRunner{}
	// not started, nothing drains the queue
	manager := NewManager(Config{Workers: 1, QueueSize: 1}, runner, nil, nil, nil, logger)

	if _, err := manager.Submit(recovery.Request{MintURL: "http://mint"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if !apperr.Is(err, apperr.Unavailable) {
		t.Fatalf("expected unavailable error but got %v", err)
	}
	if manager.Len() != 1 {
		t.Fatalf("expected 1 stored job but got %v", manager.Len())
	}
}

func TestReserve(t *testing.T) {
	// not started, nothing drains the queue
	manager := NewManager(Config{Workers: 1, QueueSize: 1}, &fakeRunner{}, nil, nil, nil, logger)

	reservation, err := manager.Reserve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := manager.Reserve(); !apperr.Is(err, apperr.Unavailable) {
		t.Fatalf("expected unavailable error but got %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("expected no stored jobs but got %v", manager.Len())
	}

	reservation.Release()
	// releasing twice does not free another slot
	reservation.Release()

	reservation, err = manager.Reserve()
	if err != nil {
		t.Fatalf("expected slot after release but got %v", err)
	}
	if _, err := reservation.Submit(recovery.Request{MintURL: "http://mint"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manager.Len() != 1 {
		t.Fatalf("expected 1 stored job but got %v", manager.Len())
	}

	// the slot stays taken by the submitted job
	reservation.Release()
	if _, err := manager.Reserve(); !apperr.Is(err, apperr.Unavailable) {
		t.Fatalf("expected unavailable error but got %v", err)
	}
	if _, err := reservation.Submit(recovery.Request{MintURL: "http://mint"}); !apperr.Is(err, apperr.Server) {
		t.Fatalf("expected error reusing reservation but got %v", err)
	}
}

func TestReserveFreedByWorker(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	manager := newTestManager(t, runner, nil, Config{Workers: 1, QueueSize: 1})
	defer close(runner.release)

	if _, err := manager.Submit(recovery.Request{MintURL: "http://mint"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// once the worker takes the job its slot can be reserved again
	deadline := time.Now().Add(5 * time.Second)
	for {
		reservation, err := manager.Reserve()
		if err == nil {
			reservation.Release()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot was not freed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type panicRunner struct{}

func (panicRunner) Run(ctx context.Context, jobId string, req recovery.Request) (*recovery.Result, error) {
	panic("index out of range")
}

func TestRunPanics(t *testing.T) {
	manager := newTestManager(t, panicRunner{}, nil, Config{Workers: 1})

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}
	job := waitForStatus(t, manager, response.JobId)
	if job.Status != Error {
		t.Fatalf("expected status '%v' but got '%v'", Error, job.Status)
	}
	if !strings.Contains(job.Error, "index out of range") {
		t.Fatalf("unexpected job error: %v", job.Error)
	}

	// the worker survives the panic
	response, err = manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}
	if job := waitForStatus(t, manager, response.JobId); job.Status != Error {
		t.Fatalf("expected status '%v' but got '%v'", Error, job.Status)
	}
}

func TestGetNotFound(t *testing.T) {
	manager := NewManager(Config{}, &fakeRunner{}, nil, nil, nil, logger)
	_, err := manager.Get("nope")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found error but got %v", err)
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	manager := NewManager(Config{Retention: time.Hour, Now: clock}, &fakeRunner{}, nil, nil, nil, logger)

	old, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(45 * time.Minute)
	mu.Unlock()
	recent, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	if pruned := manager.Prune(); pruned != 1 {
		t.Fatalf("expected 1 pruned job but got %v", pruned)
	}
	if _, err := manager.Get(old.JobId); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected old job to be pruned but got %v", err)
	}
	if _, err := manager.Get(recent.JobId); err != nil {
		t.Fatalf("expected recent job to be kept but got %v", err)
	}
}

func TestCompleteAfterPrune(t *testing.T) {
	manager := NewManager(Config{}, &fakeRunner{}, nil, nil, nil, logger)
	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}

	manager.mu.Lock()
	delete(manager.jobs, response.JobId)
	manager.mu.Unlock()

	manager.complete(response.JobId, &recovery.Result{}, nil)
	if manager.Len() != 0 {
		t.Fatalf("completion should not recreate a removed job")
	}
}

func TestCompleteOnce(t *testing.T) {
	manager := NewManager(Config{}, &fakeRunner{}, nil, nil, nil, logger)
	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}

	manager.complete(response.JobId, &recovery.Result{Balance: 5}, nil)
	manager.complete(response.JobId, nil, errors.New("late failure"))

	job, err := manager.Get(response.JobId)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != Completed || job.Error != "" {
		t.Fatalf("expected job to stay completed but got %+v", job)
	}
}

func TestSubscribe(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), results: map[string]*recovery.Result{
		"http://mint": {Proofs: 1, Balance: 8},
	}}
	manager := newTestManager(t, runner, nil, Config{})

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}

	subscriber, job, err := manager.Subscribe(response.JobId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer manager.Unsubscribe(subscriber, response.JobId)
	if job.Status != InProgress {
		t.Fatalf("expected status '%v' but got '%v'", InProgress, job.Status)
	}

	close(runner.release)

	select {
	case msg := <-subscriber.GetMessages():
		var update Job
		if err := json.Unmarshal(msg.Payload(), &update); err != nil {
			t.Fatalf("could not decode update: %v", err)
		}
		if update.Status != Completed || update.Result.Balance != 8 {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job update")
	}

	if _, _, err := manager.Subscribe("unknown"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found error but got %v", err)
	}
}

func TestSweep(t *testing.T) {
	runner := &fakeRunner{results: map[string]*recovery.Result{
		"http://funded": {Proofs: 2, Balance: 10, AccessKey: "funded-key"},
		"http://empty":  {},
		"http://zero":   {AccessKey: "zero-key"},
	}}
	wallet := &fakeWallet{balances: map[string]uint64{"funded-key": 10}}
	manager := newTestManager(t, runner, wallet, Config{})

	funded, err := manager.Submit(recovery.Request{MintURL: "http://funded"})
	if err != nil {
		t.Fatal(err)
	}
	empty, err := manager.Submit(recovery.Request{MintURL: "http://empty"})
	if err != nil {
		t.Fatal(err)
	}
	zero, err := manager.Submit(recovery.Request{MintURL: "http://zero"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, manager, funded.JobId)
	waitForStatus(t, manager, empty.JobId)
	waitForStatus(t, manager, zero.JobId)

	token, err := manager.Sweep(context.Background(), funded.JobId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cashuBswept" {
		t.Fatalf("unexpected token '%v'", token)
	}

	_, err = manager.Sweep(context.Background(), funded.JobId)
	if !apperr.Is(err, apperr.Validation) || !strings.Contains(err.Error(), "balance is 0") {
		t.Fatalf("expected zero balance validation error but got %v", err)
	}

	_, err = manager.Sweep(context.Background(), empty.JobId)
	if !apperr.Is(err, apperr.Validation) || !strings.Contains(err.Error(), "no wallet to sweep") {
		t.Fatalf("expected no wallet validation error but got %v", err)
	}

	_, err = manager.Sweep(context.Background(), zero.JobId)
	if !apperr.Is(err, apperr.Validation) || !strings.Contains(err.Error(), "balance is 0") {
		t.Fatalf("expected zero balance validation error but got %v", err)
	}

	_, err = manager.Sweep(context.Background(), "unknown")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found error but got %v", err)
	}
}

func TestSweepInProgress(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	manager := newTestManager(t, runner, &fakeWallet{}, Config{})
	defer close(runner.release)

	response, err := manager.Submit(recovery.Request{MintURL: "http://mint"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Sweep(context.Background(), response.JobId); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected validation error but got %v", err)
	}
}
