// Package jobs runs recovery requests asynchronously on a bounded
// worker pool and keeps their state in memory until they are pruned.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/metrics"
	"github.com/elnosh/nutrecovery/pubsub"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/elnosh/nutrecovery/settlement"
	"github.com/google/uuid"
)

const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 64
	DefaultRetention     = time.Hour
	DefaultPruneInterval = 10 * time.Minute

	pollPath = "/api/recovery/"
)

type Status string

const (
	InProgress Status = "IN_PROGRESS"
	Completed  Status = "COMPLETED"
	Error      Status = "ERROR"
)

func (s Status) Terminal() bool {
	return s == Completed || s == Error
}

type Job struct {
	Id        string           `json:"jobId"`
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	MintURL   string           `json:"mintUrl"`
	Result    *recovery.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type SubmitResponse struct {
	JobId   string `json:"jobId"`
	PollURL string `json:"pollUrl"`
}

// Runner executes the recovery pipeline for a single job.
type Runner interface {
	Run(ctx context.Context, jobId string, req recovery.Request) (*recovery.Result, error)
}

type Config struct {
	Workers       int
	QueueSize     int
	Retention     time.Duration
	PruneInterval time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

type task struct {
	jobId string
	req   recovery.Request
}

type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	queue  chan task
	// a slot is held from Reserve until a worker takes the task
	slots  chan struct{}
	runner Runner
	wallet settlement.Wallet

	broker  *pubsub.PubSub
	metrics *metrics.Metrics
	logger  *slog.Logger

	workers       int
	retention     time.Duration
	pruneInterval time.Duration
	now           func() time.Time

	wg sync.WaitGroup
}

func NewManager(
	config Config,
	runner Runner,
	wallet settlement.Wallet,
	broker *pubsub.PubSub,
	metrics *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultPruneInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if broker == nil {
		broker = pubsub.NewPubSub()
	}

	return &Manager{
		jobs:          make(map[string]*Job),
		queue:         make(chan task, config.QueueSize),
		slots:         make(chan struct{}, config.QueueSize),
		runner:        runner,
		wallet:        wallet,
		broker:        broker,
		metrics:       metrics,
		logger:        logger,
		workers:       config.Workers,
		retention:     config.Retention,
		pruneInterval: config.PruneInterval,
		now:           config.Now,
	}
}

// Start launches the workers and the pruning loop. They stop
// taking new work once ctx is done. Jobs already picked up by a
// worker run to completion.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Reservation holds a queue slot until it is used by Submit or
// released. It is not safe for concurrent use.
type Reservation struct {
	m    *Manager
	done bool
}

// Reserve takes a queue slot without creating a job. Release
// must be called if the reservation is not submitted.
func (m *Manager) Reserve() (*Reservation, error) {
	select {
	case m.slots <- struct{}{}:
		return &Reservation{m: m}, nil
	default:
		m.metrics.JobRejected()
		m.logger.Warn("recovery queue full, rejecting job")
		return nil, apperr.Unavailablef(nil, "too many recoveries in progress, try again later")
	}
}

// Release gives back the slot of an unused reservation.
// It does nothing after Submit.
func (r *Reservation) Release() {
	if r.done {
		return
	}
	r.done = true
	<-r.m.slots
}

// Submit stores the job as IN_PROGRESS and queues it in the reserved slot.
// It does not wait for the pipeline. The request is expected to be validated.
func (r *Reservation) Submit(req recovery.Request) (*SubmitResponse, error) {
	if r.done {
		return nil, apperr.Serverf(nil, "reservation already used")
	}
	r.done = true

	m := r.m
	job := &Job{
		Id:        uuid.NewString(),
		Status:    InProgress,
		CreatedAt: m.now(),
		MintURL:   req.MintURL,
	}

	// the slot guarantees room in the queue. The lock is held across
	// the send so a worker cannot complete the job before it is stored
	m.mu.Lock()
	m.jobs[job.Id] = job
	m.queue <- task{jobId: job.Id, req: req}
	m.mu.Unlock()

	m.metrics.JobSubmitted()
	m.logger.Info("recovery job submitted", slog.String("jobId", job.Id), slog.String("mintUrl", req.MintURL))

	return &SubmitResponse{JobId: job.Id, PollURL: pollPath + job.Id}, nil
}

// Submit reserves a slot and submits the job in it. A full
// queue is rejected before anything is stored.
func (m *Manager) Submit(req recovery.Request) (*SubmitResponse, error) {
	reservation, err := m.Reserve()
	if err != nil {
		return nil, err
	}
	return reservation.Submit(req)
}

// Get returns a copy of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, apperr.NotFoundf(apperr.Params{"jobId": id}, "Job not found")
	}
	return *job, nil
}

// Subscribe returns a subscriber for the updates of the job and
// its state at the time of subscribing. If that state is terminal
// no further update will be published.
func (m *Manager) Subscribe(id string) (*pubsub.Subscriber, Job, error) {
	subscriber := m.broker.Subscribe(id)
	job, err := m.Get(id)
	if err != nil {
		m.broker.Unsubscribe(subscriber, id)
		return nil, Job{}, err
	}
	return subscriber, job, nil
}

func (m *Manager) Unsubscribe(subscriber *pubsub.Subscriber, id string) {
	m.broker.Unsubscribe(subscriber, id)
}

// Sweep sends the full balance of the job's settlement
// wallet into a token.
func (m *Manager) Sweep(ctx context.Context, id string) (string, error) {
	job, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if job.Status != Completed || job.Result == nil || job.Result.AccessKey == "" {
		return "", apperr.Validationf(apperr.Params{"jobId": id, "status": job.Status},
			"Job not completed or no wallet to sweep")
	}
	if job.Result.Balance == 0 {
		return "", apperr.Validationf(apperr.Params{"jobId": id}, "Wallet balance is 0, nothing to sweep")
	}

	token, err := m.wallet.SendAll(ctx, job.Result.AccessKey)
	if err != nil {
		return "", err
	}
	m.logger.Info("job wallet swept", slog.String("jobId", id), slog.String("walletName", job.Result.WalletName))
	return token, nil
}

// Prune removes jobs older than the retention window
// and returns how many were removed.
func (m *Manager) Prune() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			pruned++
		}
	}
	if pruned > 0 {
		m.logger.Info("pruned old jobs", slog.Int("pruned", pruned), slog.Int("remaining", len(m.jobs)))
	}
	return pruned
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case t := <-m.queue:
			<-m.slots
			m.run(context.WithoutCancel(ctx), t)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) run(ctx context.Context, t task) {
	start := time.Now()
	result, err := m.runRecovered(ctx, t)
	took := time.Since(start)

	logger := m.logger.With(slog.String("jobId", t.jobId))
	if err != nil {
		logger.Error("recovery job failed", slog.String("error", err.Error()),
			slog.String("kind", apperr.KindOf(err).String()), slog.Duration("took", took))
		m.metrics.JobFinished(string(Error), took, 0, 0)
	} else {
		logger.Info("recovery job completed", slog.Int("proofs", result.Proofs),
			slog.Uint64("balance", result.Balance), slog.Duration("took", took))
		m.metrics.JobFinished(string(Completed), took, result.Proofs, result.Balance)
	}

	m.complete(t.jobId, result, err)
}

// runRecovered turns a panic in the pipeline into a job error
// so the job does not stay IN_PROGRESS.
func (m *Manager) runRecovered(ctx context.Context, t task) (result *recovery.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovery pipeline panicked", slog.String("jobId", t.jobId),
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result = nil
			err = apperr.Serverf(apperr.Params{"jobId": t.jobId}, "recovery failed unexpectedly: %v", r)
		}
	}()
	return m.runner.Run(ctx, t.jobId, t.req)
}

func (m *Manager) complete(id string, result *recovery.Result, err error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("job removed before completion", slog.String("jobId", id))
		return
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if err != nil {
		job.Status = Error
		job.Error = err.Error()
	} else {
		job.Status = Completed
		job.Result = result
	}
	snapshot := *job
	m.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Error("could not marshal job update", slog.String("jobId", id), slog.String("error", err.Error()))
		return
	}
	m.broker.Publish(id, payload)
}
