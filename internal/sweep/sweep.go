// Package sweep runs the periodic background jobs that keep conversations
// moving without an inbound trigger: the expiry sweep, the stuck-session
// monitor, and the audit retention sweep, per spec.md §4.7.
package sweep

import (
    "context"
    "time"

    "github.com/robfig/cron/v3"
    "github.com/sirupsen/logrus"

    "github.com/radscheduler/core/internal/conversation"
    "github.com/radscheduler/core/internal/models"
    "github.com/radscheduler/core/pkg/logger"
)

// ConversationStore is the persistence capability the monitor needs beyond
// what the engine itself depends on: bulk expiry and a stuck-conversation scan.
type ConversationStore interface {
    SweepExpired(ctx context.Context, now time.Time) (int64, error)
    ListStuck(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error)
    ListBookingInFlight(ctx context.Context, olderThan time.Time) ([]*models.Conversation, error)
}

// AuditStore is the retention-sweep capability. Deliberately separate from
// audit.Store: retention deletion is never exposed to the Recorder itself.
type AuditStore interface {
    SweepRetention(ctx context.Context, olderThan time.Time) (int64, error)
}

// Locker is the advisory-lock capability the monitor takes per conversation
// before acting, so it never races the engine's own CAS transition.
type Locker interface {
    Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Config controls interval and SLA tuning for the three jobs.
type Config struct {
    ExpirySweepIntervalSeconds  int
    StuckMonitorIntervalSeconds int
    SlotResponseSLA             time.Duration
    SlotMaxRetries              int
    BookingSLA                  time.Duration
    AuditRetention              time.Duration
    LockTTL                     time.Duration
}

// Scheduler owns the robfig/cron runner driving the three sweep jobs.
type Scheduler struct {
    conversations ConversationStore
    audit         AuditStore
    locker        Locker
    engine        *conversation.Engine
    cfg           Config
    cron          *cron.Cron
}

// New builds a Scheduler. It does not start any job; call Start.
func New(conversations ConversationStore, auditStore AuditStore, locker Locker, engine *conversation.Engine, cfg Config) *Scheduler {
    if cfg.LockTTL == 0 {
        cfg.LockTTL = 30 * time.Second
    }
    return &Scheduler{
        conversations: conversations,
        audit:         auditStore,
        locker:        locker,
        engine:        engine,
        cfg:           cfg,
        cron:          cron.New(),
    }
}

// Start registers the three jobs on their configured intervals and begins
// running them on the cron package's own goroutine.
func (s *Scheduler) Start() error {
    expirySpec := everySeconds(s.cfg.ExpirySweepIntervalSeconds, 300)
    if _, err := s.cron.AddFunc(expirySpec, s.runExpirySweep); err != nil {
        return err
    }

    monitorSpec := everySeconds(s.cfg.StuckMonitorIntervalSeconds, 60)
    if _, err := s.cron.AddFunc(monitorSpec, s.runStuckMonitor); err != nil {
        return err
    }

    if _, err := s.cron.AddFunc("@daily", s.runRetentionSweep); err != nil {
        return err
    }

    logger.WithField("expiry_sweep", expirySpec).WithFields(logrus.Fields{
        "stuck_monitor":   monitorSpec,
        "audit_retention": "@daily",
    }).Info("sweep scheduler starting")
    s.cron.Start()
    return nil
}

// Stop blocks until any job in flight completes, then returns.
func (s *Scheduler) Stop() {
    ctx := s.cron.Stop()
    <-ctx.Done()
    logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) runExpirySweep() {
    ctx := context.Background()
    n, err := s.conversations.SweepExpired(ctx, time.Now())
    if err != nil {
        logger.WithContext(ctx).WithError(err).Error("expiry sweep failed")
        return
    }
    if n > 0 {
        logger.WithField("expired", n).Info("expiry sweep completed")
    }
}

func (s *Scheduler) runRetentionSweep() {
    ctx := context.Background()
    cutoff := time.Now().Add(-s.cfg.AuditRetention)
    n, err := s.audit.SweepRetention(ctx, cutoff)
    if err != nil {
        logger.WithContext(ctx).WithError(err).Error("audit retention sweep failed")
        return
    }
    if n > 0 {
        logger.WithField("deleted", n).Info("audit retention sweep completed")
    }
}

// runStuckMonitor implements spec.md §4.7's per-conversation branching: slot
// request timeout and booking-in-flight timeout. CONSENT_PENDING staleness
// is a deliberate no-op in this version (reminders deferred to avoid spam).
// Each conversation is acted on under its own advisory lock so a slow retry
// never blocks the scan of the rest of the batch.
func (s *Scheduler) runStuckMonitor() {
    ctx := context.Background()

    stuck, err := s.conversations.ListStuck(ctx, time.Now().Add(-s.cfg.SlotResponseSLA))
    if err != nil {
        logger.WithContext(ctx).WithError(err).Error("stuck-session scan failed")
    }
    for _, conv := range stuck {
        if conv.State == models.StateChoosingTime {
            s.withLock(ctx, conv, s.inspectChoosingTime)
        }
    }

    inFlight, err := s.conversations.ListBookingInFlight(ctx, time.Now().Add(-s.cfg.BookingSLA))
    if err != nil {
        logger.WithContext(ctx).WithError(err).Error("booking-in-flight scan failed")
        return
    }
    for _, conv := range inFlight {
        s.withLock(ctx, conv, s.inspectBookingInFlight)
    }
}

func (s *Scheduler) withLock(ctx context.Context, conv *models.Conversation, fn func(context.Context, *models.Conversation)) {
    unlock, err := s.locker.Lock(ctx, "conversation:"+conv.ID, s.cfg.LockTTL)
    if err != nil {
        // Another actor (the engine, or a prior tick) already holds the
        // lock; skip this conversation this tick.
        return
    }
    defer unlock()
    fn(ctx, conv)
}

func (s *Scheduler) inspectChoosingTime(ctx context.Context, conv *models.Conversation) {
    if conv.SlotRequestSentAt == nil || time.Since(*conv.SlotRequestSentAt) < s.cfg.SlotResponseSLA {
        return
    }
    if err := s.engine.RetrySlotRequestForStuck(ctx, conv, s.cfg.SlotMaxRetries); err != nil {
        logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"conversation_id": conv.ID}).
            Warn("stuck-session slot retry failed")
    }
}

func (s *Scheduler) inspectBookingInFlight(ctx context.Context, conv *models.Conversation) {
    if err := s.engine.RetryBookingInFlight(ctx, conv); err != nil {
        logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"conversation_id": conv.ID}).
            Warn("stuck-session booking retry failed")
    }
}

func everySeconds(seconds, fallback int) string {
    if seconds <= 0 {
        seconds = fallback
    }
    return "@every " + time.Duration(seconds*int(time.Second)).String()
}
