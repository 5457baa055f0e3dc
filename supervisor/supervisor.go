// Package supervisor runs crawls inside an authenticated session and restarts
// them from a clean session when they ask for it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-manga/config"
	"github.com/aluiziolira/go-scrape-manga/metrics"
	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/session"
)

// Session is the part of the session client the supervisor drives.
type Session interface {
	Initialize(ctx context.Context, onReady func(context.Context) error) error
	Clear() error
	Reset()
}

// CrawlFunc runs one crawl pass.
type CrawlFunc func(ctx context.Context) (*models.CrawlResult, error)

// Supervisor owns the restart loop.
type Supervisor struct {
	cfg     *config.Config
	session Session
	crawl   CrawlFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics counts restarts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSleep replaces the wait between restarts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New builds a Supervisor running crawl through sess.
func New(cfg *config.Config, sess Session, crawl CrawlFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		session: sess,
		crawl:   crawl,
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run clears any stale session and crawls until a pass succeeds. A restart
// request waits RestartDelay, drops the session and starts over; any other
// error ends the loop. Restarts is the number of restarts performed.
//
// The crawl outcome is kept outside the session's ready callback, which
// always succeeds, so a failed pass never triggers the session's own
// re-login retry.
func (s *Supervisor) Run(ctx context.Context) (result *models.CrawlResult, restarts int, err error) {
	if err := s.session.Clear(); err != nil {
		return nil, 0, fmt.Errorf("clear session: %w", err)
	}

	for {
		var (
			last     *models.CrawlResult
			crawlErr error
		)
		err := s.session.Initialize(ctx, func(ctx context.Context) error {
			last, crawlErr = s.crawl(ctx)
			return nil
		})
		if err == nil {
			err = crawlErr
		}

		switch session.Classify(err) {
		case session.KindOK:
			return last, restarts, nil
		case session.KindRestart:
			if ctx.Err() != nil {
				return last, restarts, ctx.Err()
			}
			if s.cfg.MaxRestarts > 0 && restarts >= s.cfg.MaxRestarts {
				return last, restarts, fmt.Errorf("giving up after %d restarts: %w", restarts, err)
			}
			restarts++
			s.metrics.IncRestarts()
			s.logger.Warn("crawl requested a restart",
				slog.Int("restart", restarts),
				slog.Duration("delay", s.cfg.RestartDelay),
				slog.Any("error", err),
			)
			if err := s.sleep(ctx, s.cfg.RestartDelay); err != nil {
				return last, restarts, err
			}
			if err := s.session.Clear(); err != nil {
				return last, restarts, fmt.Errorf("clear session: %w", err)
			}
			s.session.Reset()
		default:
			s.logger.Error("crawl failed", slog.Any("error", err))
			return last, restarts, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
