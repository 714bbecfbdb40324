package server

import (
	"bufio"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnosh/nutrecovery/metrics"
	"golang.org/x/time/rate"
)

// clientIP is the identity used for rate limits and payment quotas.
// Proxy headers are applied before it is read.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter allows max requests per window for each client ip.
type ipLimiter struct {
	name   string
	limit  rate.Limit
	burst  int
	window time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor

	metrics *metrics.Metrics
}

func newIPLimiter(name string, max int, window time.Duration, metrics *metrics.Metrics) *ipLimiter {
	limit := rate.Inf
	if max > 0 && window > 0 {
		limit = rate.Every(window / time.Duration(max))
	}
	return &ipLimiter{
		name:     name,
		limit:    limit,
		burst:    max,
		window:   window,
		visitors: make(map[string]*visitor),
		metrics:  metrics,
	}
}

func (l *ipLimiter) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// prune removes visitors whose bucket has refilled.
func (l *ipLimiter) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.window {
			delete(l.visitors, ip)
			pruned++
		}
	}
	return pruned
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if l.limit == rate.Inf {
			next.ServeHTTP(rw, req)
			return
		}
		now := time.Now()
		reservation := l.get(clientIP(req), now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			l.metrics.RateLimited(l.name)
			seconds := int(math.Ceil(delay.Seconds()))
			rw.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeErrorDetail(rw, http.StatusTooManyRequests, "TooManyRequests",
				"Rate limit exceeded, retry in "+strconv.Itoa(seconds)+" seconds")
			return
		}
		next.ServeHTTP(rw, req)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Hijack is needed for websocket upgrades.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := slog.LevelDebug
			switch {
			case rw.status >= 500:
				level = slog.LevelError
			case rw.status >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", clientIP(r)),
				slog.Int("status", rw.status),
				slog.Int64("bytes", rw.bytes),
				slog.Duration("latency", time.Since(start)))
		})
	}
}
