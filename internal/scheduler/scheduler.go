package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/clock"
	eventsservice "github.com/smallbiznis/kredit/internal/events/service"
	"github.com/smallbiznis/kredit/internal/grace"
	"github.com/smallbiznis/kredit/internal/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Grace    *grace.Manager
	Accounts accountdomain.Repository
	Outbox   *eventsservice.Service
	Clock    clock.Clock
	Locker   *lock.Locker `optional:"true"`
	Config   Config       `optional:"true"`
}

// Scheduler runs the periodic sweeps: grace expiry, stale counter cleanup
// and outbox dispatch. Every job is idempotent, so overlapping runs across
// instances only waste work, never corrupt state.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	grace    *grace.Manager
	accounts accountdomain.Repository
	outbox   *eventsservice.Service
	clock    clock.Clock
	locker   *lock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Grace == nil || p.Accounts == nil || p.Outbox == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		grace:    p.Grace,
		accounts: p.Accounts,
		outbox:   p.Outbox,
		clock:    p.Clock,
		locker:   p.Locker,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"grace_expiry", s.GraceExpiryJob},
		{"counter_sweep", s.CounterSweepJob},
		{"outbox_dispatch", s.OutboxDispatchJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, 30*time.Second, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GraceExpiryJob hard-blocks tenants whose grace window has lapsed without
// a top-up.
func (s *Scheduler) GraceExpiryJob(ctx context.Context) error {
	blocked, err := s.grace.ExpireSweep(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if blocked > 0 {
		s.log.Info("grace expiry sweep", zap.Int("blocked", blocked))
	}
	return nil
}

// CounterSweepJob deletes usage counter rows no window can read anymore.
// Correctness never depends on this: a stale row already reads as zero.
func (s *Scheduler) CounterSweepJob(ctx context.Context) error {
	olderThan := s.clock.Now().Add(-s.cfg.CounterRetention)
	deleted, err := s.accounts.DeleteStaleCounters(ctx, s.db, olderThan, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.log.Info("counter sweep", zap.Int64("deleted", deleted))
	}
	return nil
}

// OutboxDispatchJob drains pending outbox events to collaborators.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	dispatched, err := s.outbox.DispatchPending(ctx, s.cfg.OutboxBatchSize)
	if err != nil {
		return err
	}
	if dispatched > 0 {
		s.log.Debug("outbox dispatch", zap.Int("dispatched", dispatched))
	}
	return nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if s.locker != nil {
		key := fmt.Sprintf("kredit:scheduler:%s", name)
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobLockTTL)
		if err != nil {
			s.log.Warn("job lock unavailable, running unlocked",
				zap.String("job", name),
				zap.Error(err),
			)
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
