package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/noahxzhu/mission-notify/internal/errs"
	"github.com/noahxzhu/mission-notify/internal/metrics"
	"github.com/noahxzhu/mission-notify/internal/model"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

// MissionStore is the read side of the datastore the scanner needs.
type MissionStore interface {
	Missions(ctx context.Context) ([]model.MissionRecord, error)
	UserToken(ctx context.Context, uid string) (string, error)
}

// Dispatcher hands one message to the push gateway. It never fails from the
// caller's point of view.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg model.NotificationMessage)
}

type ScanOptions struct {
	Window   time.Duration
	Template model.Template
	// Zero means unbounded.
	MaxConcurrentMissions int
	MaxConcurrentLookups  int
}

// Summary describes one finished scan.
type Summary struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Missions       int       `json:"missions"`
	Eligible       int       `json:"eligible"`
	TokensResolved int       `json:"tokens_resolved"`
	LookupsFailed  int       `json:"lookups_failed"`
	Dispatched     int       `json:"dispatched"`
	Error          string    `json:"error,omitempty"`
}

type Scanner struct {
	store      MissionStore
	dispatcher Dispatcher
	opts       ScanOptions
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu   sync.RWMutex
	last *Summary
}

func NewScanner(store MissionStore, dispatcher Dispatcher, opts ScanOptions, logger *slog.Logger, m *metrics.Metrics) *Scanner {
	return &Scanner{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With("component", "expiry_scanner"),
		metrics:    m,
		now:        time.Now,
	}
}

type scanStats struct {
	resolved   atomic.Int64
	failed     atomic.Int64
	dispatched atomic.Int64
}

// Run scans every mission once and dispatches reminders for those inside
// the window. It returns after every dispatch it started has finished.
func (s *Scanner) Run(ctx context.Context) Summary {
	sum := Summary{RunID: uuid.NewString(), StartedAt: s.now()}
	logger := s.logger.With("run_id", sum.RunID)
	s.metrics.Scans.Inc()

	missions, err := s.store.Missions(ctx)
	if err != nil {
		logger.Error("Failed to read missions", "error", err)
		sum.Error = err.Error()
		return s.finish(logger, sum)
	}
	sum.Missions = len(missions)

	now := s.now()
	var stats scanStats
	var dispatches sync.WaitGroup

	var g errgroup.Group
	if s.opts.MaxConcurrentMissions > 0 {
		g.SetLimit(s.opts.MaxConcurrentMissions)
	}

	for _, rec := range missions {
		if !rec.Mission.RemindsAt(now, s.opts.Window) {
			continue
		}
		sum.Eligible++
		s.metrics.MissionsEligible.Inc()

		g.Go(func() error {
			s.notifyMission(ctx, logger, rec, &stats, &dispatches)
			return nil
		})
	}

	_ = g.Wait()
	dispatches.Wait()

	sum.TokensResolved = int(stats.resolved.Load())
	sum.LookupsFailed = int(stats.failed.Load())
	sum.Dispatched = int(stats.dispatched.Load())
	return s.finish(logger, sum)
}

// notifyMission resolves the tokens of every accepted user, then starts one
// dispatch per token. A failed lookup only skips its own user.
func (s *Scanner) notifyMission(ctx context.Context, logger *slog.Logger, rec model.MissionRecord, stats *scanStats, dispatches *sync.WaitGroup) {
	logger = logger.With("mission", rec.Key)

	p := pool.NewWithResults[string]()
	if s.opts.MaxConcurrentLookups > 0 {
		p = p.WithMaxGoroutines(s.opts.MaxConcurrentLookups)
	}

	for _, u := range rec.Mission.UsersAccepted {
		uid := u.UID
		p.Go(func() string {
			token, err := s.store.UserToken(ctx, uid)
			if err != nil {
				lookupErr := &errs.LookupError{UID: uid, Err: err}
				stats.failed.Add(1)
				if errors.Is(err, errs.ErrNoToken) {
					s.metrics.TokenLookups.WithLabelValues(metrics.LookupMissing).Inc()
					logger.Info("Skipping user without push token", "uid", uid)
				} else {
					s.metrics.TokenLookups.WithLabelValues(metrics.LookupFailed).Inc()
					logger.Warn("Token lookup failed", "error", lookupErr)
				}
				return ""
			}
			stats.resolved.Add(1)
			s.metrics.TokenLookups.WithLabelValues(metrics.LookupResolved).Inc()
			return token
		})
	}

	for _, token := range p.Wait() {
		if token == "" {
			continue
		}
		msg := s.opts.Template.Reminder(token, rec.Mission)
		stats.dispatched.Add(1)
		dispatches.Add(1)
		go func() {
			defer dispatches.Done()
			s.dispatcher.Dispatch(ctx, msg)
		}()
	}
}

func (s *Scanner) finish(logger *slog.Logger, sum Summary) Summary {
	sum.FinishedAt = s.now()
	s.metrics.LastScan.Set(float64(sum.FinishedAt.Unix()))

	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()

	logger.Info("Expiry scan finished",
		"missions", sum.Missions,
		"eligible", sum.Eligible,
		"tokens", sum.TokensResolved,
		"lookup_failures", sum.LookupsFailed,
		"dispatched", sum.Dispatched,
		"took", sum.FinishedAt.Sub(sum.StartedAt),
	)
	return sum
}

// LastRun returns the summary of the most recent scan.
func (s *Scanner) LastRun() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}
