// Package mockapi emulates a remote JSON API that enforces a per-window
// request limit and a parallel request limit, reporting both through the
// headers the planner reads.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

// Config describes the limits the server enforces
type Config struct {
	// Limit is the number of requests allowed per Window.
	Limit  int
	Window time.Duration

	MaxParallel int

	// Latency is how long each accepted request is held before answering.
	Latency time.Duration

	Headers planner.HeaderNames

	// Now overrides the clock used by the rate limiter.
	Now func() time.Time
}

// DefaultConfig mirrors the limits of the MoySklad API.
func DefaultConfig() Config {
	return Config{
		Limit:       45,
		Window:      3 * time.Second,
		MaxParallel: 5,
		Latency:     50 * time.Millisecond,
		Headers:     planner.DefaultHeaderNames(),
	}
}

// Stats counts how the server answered
type Stats struct {
	Accepted         int64 `json:"accepted"`
	RateRejected     int64 `json:"rate_rejected"`
	ParallelRejected int64 `json:"parallel_rejected"`
	MaxInflight      int64 `json:"max_inflight"`
}

// Server is an http.Handler enforcing Config
type Server struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger

	mu          sync.Mutex
	inflight    int
	maxInflight int

	accepted         atomic.Int64
	rateRejected     atomic.Int64
	parallelRejected atomic.Int64
}

// New creates a Server. Zero header names fall back to the defaults.
func New(cfg Config, logger *logging.Logger) (*Server, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("mockapi: limit must be greater than 0, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("mockapi: window must be greater than 0, got %s", cfg.Window)
	}
	if cfg.MaxParallel <= 0 {
		return nil, fmt.Errorf("mockapi: max parallel must be greater than 0, got %d", cfg.MaxParallel)
	}
	if cfg.Headers == (planner.HeaderNames{}) {
		cfg.Headers = planner.DefaultHeaderNames()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}

	// The bucket refills Limit tokens per Window and holds at most Limit.
	every := cfg.Window / time.Duration(cfg.Limit)
	return &Server{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(every), cfg.Limit),
		logger:  logger.WithComponent("mockapi"),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		s.parallelRejected.Add(1)
		now := s.cfg.Now()
		s.writeRateHeaders(w, s.remaining(now))
		w.Header().Set(s.cfg.Headers.AuthCode, s.cfg.Headers.ParallelLimitCode)
		s.logger.Debug("parallel limit exceeded", "path", r.URL.Path)
		writeError(w, "Parallel request limit exceeded")
		return
	}
	defer s.release()

	now := s.cfg.Now()
	if !s.limiter.AllowN(now, 1) {
		s.rateRejected.Add(1)
		reservation := s.limiter.ReserveN(now, 1)
		retryAfter := reservation.DelayFrom(now)
		reservation.CancelAt(now)

		s.writeRateHeaders(w, 0)
		w.Header().Set(s.cfg.Headers.RetryAfter, strconv.FormatInt(retryAfter.Milliseconds(), 10))
		s.logger.Debug("rate limit exceeded", "path", r.URL.Path, "retry_after", retryAfter)
		writeError(w, "Rate limit exceeded")
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	n := s.accepted.Add(1)
	s.writeRateHeaders(w, s.remaining(now))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"request": n,
	})
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight >= s.cfg.MaxParallel {
		return false
	}
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

func (s *Server) remaining(now time.Time) int {
	tokens := int(s.limiter.TokensAt(now))
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (s *Server) writeRateHeaders(w http.ResponseWriter, remaining int) {
	h := w.Header()
	h.Set(s.cfg.Headers.Limit, strconv.Itoa(s.cfg.Limit))
	h.Set(s.cfg.Headers.Remaining, strconv.Itoa(remaining))
	h.Set(s.cfg.Headers.Window, strconv.FormatInt(s.cfg.Window.Milliseconds(), 10))
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]string{{"error": message}},
	})
}

// Inflight returns the number of requests currently being served.
func (s *Server) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	maxInflight := s.maxInflight
	s.mu.Unlock()

	return Stats{
		Accepted:         s.accepted.Load(),
		RateRejected:     s.rateRejected.Load(),
		ParallelRejected: s.parallelRejected.Load(),
		MaxInflight:      int64(maxInflight),
	}
}

// ListenAndServe serves the mock API on addr until ctx is done. ready, if
// not nil, receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("mock API listening",
		"addr", ln.Addr().String(),
		"limit", s.cfg.Limit,
		"window", s.cfg.Window,
		"max_parallel", s.cfg.MaxParallel)
	if ready != nil {
		ready(ln.Addr())
	}

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
