package service

import (
	"context"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository"

	"go.uber.org/zap"
)

// LockManager is the session lock primitive. The lock lives on the session
// row, so it is shared by every process talking to the same database; the
// manager adds the polling acquisition loop and the fencing epoch contract on
// top of the repository's compare-and-set operations.
type LockManager struct {
	db           repository.DBTX
	sessionRepo  repository.SessionRepository
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       *zap.Logger
}

func NewLockManager(db repository.DBTX, sessionRepo repository.SessionRepository, pollInterval, waitTimeout time.Duration, logger *zap.Logger) *LockManager {
	return &LockManager{
		db:           db,
		sessionRepo:  sessionRepo,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
		logger:       logger.Named("LockManager"),
	}
}

// TryLock attempts a single acquisition. On success it returns the new fencing
// epoch; acquired is false when the session is already locked, missing, or
// deleted.
func (m *LockManager) TryLock(ctx context.Context, sessionID int64) (epoch int64, acquired bool, err error) {
	return m.sessionRepo.TryLock(ctx, m.db, sessionID)
}

// Unlock releases the lock held under epoch. A mismatched epoch means the
// caller no longer holds the lock and must not release it.
func (m *LockManager) Unlock(ctx context.Context, sessionID int64, epoch int64) error {
	return m.sessionRepo.Unlock(ctx, m.db, sessionID, epoch)
}

// IsLocked reports the current lock flag of a live session.
func (m *LockManager) IsLocked(ctx context.Context, sessionID int64) (bool, error) {
	return m.sessionRepo.IsLocked(ctx, m.db, sessionID)
}

// LockUntilAcquired polls TryLock until it succeeds or the wait timeout
// elapses. The final attempt is made exactly at the deadline; after that the
// caller gets models.ErrLockTimeout and must treat the session as busy.
func (m *LockManager) LockUntilAcquired(ctx context.Context, sessionID int64) (int64, error) {
	deadline := time.Now().Add(m.waitTimeout)
	attempts := 0

	for {
		attempts++
		epoch, acquired, err := m.sessionRepo.TryLock(ctx, m.db, sessionID)
		if err != nil {
			return 0, err
		}
		if acquired {
			if attempts > 1 {
				m.logger.Debug("Session lock acquired after polling",
					zap.Int64("sessionID", sessionID),
					zap.Int("attempts", attempts),
					zap.Int64("lockEpoch", epoch))
			}
			return epoch, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.logger.Warn("Timed out waiting for session lock",
				zap.Int64("sessionID", sessionID),
				zap.Int("attempts", attempts),
				zap.Duration("waited", m.waitTimeout))
			return 0, models.ErrLockTimeout
		}

		wait := m.pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}
