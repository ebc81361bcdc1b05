// Package webhook delivers job completion callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body posted to a job's callback URL.
type Payload struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Log        string     `json:"log,omitempty"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Options tunes delivery. Zero values take the defaults.
type Options struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Timeout  time.Duration
	// AllowPrivate disables the private-address guard. Only for local setups.
	AllowPrivate bool
}

// Sender posts payloads in the background with full-jitter exponential retry.
type Sender struct {
	client       *http.Client
	attempts     int
	base         time.Duration
	cap          time.Duration
	allowPrivate bool
	logger       *slog.Logger
	wg           sync.WaitGroup
}

func NewSender(opts Options, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = retryAttempts
	}
	if opts.Base <= 0 {
		opts.Base = retryBase
	}
	if opts.Cap <= 0 {
		opts.Cap = retryCap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Sender{
		client:       &http.Client{Timeout: opts.Timeout},
		attempts:     opts.Attempts,
		base:         opts.Base,
		cap:          opts.Cap,
		allowPrivate: opts.AllowPrivate,
		logger:       logger,
	}
}

// Send dispatches p to callbackURL asynchronously. Retries stop when ctx is
// done, so pass a context that lives as long as the server, not the job.
func (s *Sender) Send(ctx context.Context, callbackURL string, p Payload) {
	if !s.allowPrivate {
		if err := validateURL(callbackURL); err != nil {
			s.logger.Warn("webhook: rejected callback URL", "url", callbackURL, "job_id", p.JobID, "error", err)
			return
		}
	} else if _, err := checkScheme(callbackURL); err != nil {
		s.logger.Warn("webhook: rejected callback URL", "url", callbackURL, "job_id", p.JobID, "error", err)
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("webhook: encode payload", "job_id", p.JobID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(ctx, callbackURL, p.JobID, body)
	}()
}

// Wait blocks until every in-flight delivery has finished or given up.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func checkScheme(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u, nil
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := checkScheme(rawURL)
	if err != nil {
		return err
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (s *Sender) send(ctx context.Context, callbackURL, jobID string, payload []byte) {
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, callbackURL, payload)
		if err == nil {
			s.logger.Debug("webhook delivered", "job_id", jobID, "attempt", attempt)
			return
		}
		s.logger.Warn("webhook attempt failed", "job_id", jobID, "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.jitter(attempt)):
			}
		}
	}
	s.logger.Error("webhook: all retries exhausted", "job_id", jobID, "url", callbackURL)
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (s *Sender) jitter(attempt int) time.Duration {
	exp := s.base * (1 << attempt)
	if exp > s.cap || exp <= 0 {
		exp = s.cap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
