// Package payment charges for recoveries past a free quota per client.
// Payments are Cashu tokens sent in the X-Cashu header and are
// collected into a custodial wallet, moving them over Lightning
// when they come from a mint other than the collection mint.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut18"
	"github.com/elnosh/nutrecovery/metrics"
	"github.com/google/uuid"
)

const (
	DefaultAmount       = 100
	DefaultFreeRequests = 1
	DefaultWindow       = time.Hour

	Header             = "X-Cashu"
	requestDescription = "Recovery service fee"
	minPruneInterval   = time.Minute
)

// Settler takes the payment token once it has been validated.
type Settler interface {
	Collect(ctx context.Context, token cashu.Token, tokenstr string) error
}

type GateConfig struct {
	Amount       uint64
	FreeRequests int
	Window       time.Duration
	// Mints accepted for payment. Any mint is accepted if empty.
	Mints []string
	// Now defaults to time.Now
	Now func() time.Time
}

// RequiredError is returned when a request needs payment and
// carries the encoded payment request.
type RequiredError struct {
	Request string
	Err     *apperr.Error
}

func (e *RequiredError) Error() string {
	return e.Err.Error()
}

func (e *RequiredError) Unwrap() error {
	return e.Err
}

type entry struct {
	mu             sync.Mutex
	firstRequestAt time.Time
	count          int
}

// Gate tracks requests per identity in a fixed window that starts
// with the first request and resets once it has elapsed.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*entry

	settler Settler
	metrics *metrics.Metrics
	logger  *slog.Logger

	amount       uint64
	freeRequests int
	window       time.Duration
	mints        []string
	now          func() time.Time
}

func NewGate(config GateConfig, settler Settler, metrics *metrics.Metrics, logger *slog.Logger) *Gate {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.FreeRequests < 0 {
		config.FreeRequests = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Gate{
		entries:      make(map[string]*entry),
		settler:      settler,
		metrics:      metrics,
		logger:       logger,
		amount:       config.Amount,
		freeRequests: config.FreeRequests,
		window:       config.Window,
		mints:        config.Mints,
		now:          config.Now,
	}
}

// Check decides whether identity may run a recovery. Past the free
// quota, tokenstr must be a valid payment which is settled before
// the request is allowed. Requests of the same identity are serialized.
func (g *Gate) Check(ctx context.Context, identity, tokenstr string) error {
	now := g.now()
	e := g.lockEntry(identity, now)
	defer e.mu.Unlock()

	if now.Sub(e.firstRequestAt) >= g.window {
		e.firstRequestAt = now
		e.count = 0
	}

	if e.count < g.freeRequests {
		e.count++
		g.metrics.Payment("free")
		g.logger.Debug("free recovery granted", slog.String("ip", identity),
			slog.Int("count", e.count), slog.Int("freeRequests", g.freeRequests))
		return nil
	}

	tokenstr = strings.TrimSpace(tokenstr)
	if tokenstr == "" {
		g.metrics.Payment("required")
		g.logger.Info("payment required, no token provided", slog.String("ip", identity))
		return g.paymentRequired()
	}

	token, err := g.validateToken(tokenstr)
	if err != nil {
		g.metrics.Payment("rejected")
		return err
	}

	if err := g.settler.Collect(ctx, token, tokenstr); err != nil {
		g.metrics.Payment("rejected")
		return err
	}

	e.count++
	g.metrics.Payment("paid")
	g.logger.Info("payment accepted, recovery allowed", slog.String("ip", identity),
		slog.Uint64("totalAmount", token.Amount()), slog.Int("count", e.count))
	return nil
}

func (g *Gate) entry(identity string, now time.Time) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[identity]
	if !ok {
		e = &entry{firstRequestAt: now}
		g.entries[identity] = e
	}
	return e
}

// lockEntry returns the entry of identity locked. An entry pruned
// before its lock was taken is replaced by the one now in the map.
func (g *Gate) lockEntry(identity string, now time.Time) *entry {
	e := g.entry(identity, now)
	for {
		e.mu.Lock()
		current := g.entry(identity, now)
		if current == e {
			return e
		}
		e.mu.Unlock()
		e = current
	}
}

func (g *Gate) validateToken(tokenstr string) (cashu.Token, error) {
	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		return nil, apperr.WrapValidation(err, apperr.Params{"caller": "paymentGate"}, "Invalid X-Cashu payment token")
	}

	if len(g.mints) > 0 && !slices.Contains(g.mints, token.Mint()) {
		return nil, apperr.Validationf(apperr.Params{"caller": "paymentGate", "mint": token.Mint()},
			"Payment token mint not accepted")
	}

	unit := cashu.Sat.String()
	if token.Unit() != "" && token.Unit() != unit {
		return nil, apperr.Validationf(apperr.Params{"caller": "paymentGate", "unit": token.Unit()},
			"Payment token unit must be '%v'", unit)
	}

	if total := token.Amount(); total < g.amount {
		return nil, apperr.Validationf(
			apperr.Params{"caller": "paymentGate", "totalAmount": total, "required": g.amount},
			"Insufficient payment: got %v %v, need %v %v", total, unit, g.amount, unit)
	}
	return token, nil
}

func (g *Gate) paymentRequired() error {
	request := nut18.PaymentRequest{
		Id:          uuid.NewString()[:8],
		Amount:      g.amount,
		Unit:        cashu.Sat.String(),
		SingleUse:   true,
		Mints:       g.mints,
		Description: requestDescription,
	}
	encoded, err := request.Encode()
	if err != nil {
		return apperr.Serverf(apperr.Params{"caller": "paymentGate"}, "could not encode payment request: %v", err)
	}

	recoveries := "recoveries"
	if g.freeRequests == 1 {
		recoveries = "recovery"
	}
	message := fmt.Sprintf("Payment of %v %v required after %v free %v per %v minutes",
		g.amount, cashu.Sat.String(), g.freeRequests, recoveries,
		strconv.FormatFloat(g.window.Minutes(), 'f', -1, 64))

	return &RequiredError{
		Request: encoded,
		Err:     apperr.PaymentRequiredf(nil, "%s", message),
	}
}

// Prune removes entries whose window has elapsed and returns how many
// were removed. Entries in use are skipped.
func (g *Gate) Prune() int {
	cutoff := g.now().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := 0
	for identity, e := range g.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.firstRequestAt.Before(cutoff) {
			delete(g.entries, identity)
			pruned++
		}
		e.mu.Unlock()
	}
	if pruned > 0 {
		g.logger.Debug("pruned stale payment entries", slog.Int("pruned", pruned))
	}
	return pruned
}

func (g *Gate) PruneInterval() time.Duration {
	return max(g.window/2, minPruneInterval)
}

// Start prunes stale entries until ctx is done.
func (g *Gate) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.PruneInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}
