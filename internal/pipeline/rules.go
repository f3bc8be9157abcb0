package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RuleStore reads operator-managed alert rules. The pipeline never writes
// them.
type RuleStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewRuleStore creates a new RuleStore instance.
func NewRuleStore(db *gorm.DB, logger *slog.Logger) (*RuleStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &RuleStore{
		logger: logger,
		db:     db,
	}, nil
}

// ActiveForDevice returns the active alert rules scoped to a device. An empty
// result is a no-op for the evaluator, not an error.
func (s *RuleStore) ActiveForDevice(ctx context.Context, deviceID string) ([]AlertRule, error) {
	var rules []AlertRule
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND is_active = true", deviceID).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	return rules, nil
}

// GetByID loads a single rule.
func (s *RuleStore) GetByID(ctx context.Context, ruleID string) (*AlertRule, error) {
	var rule AlertRule
	err := s.db.WithContext(ctx).Where("id = ?", ruleID).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load alert rule: %w", err)
	}
	return &rule, nil
}

// DispatchStore tracks alert delivery bookkeeping. Rows are created by the
// evaluator and mutated by the dispatcher until terminal.
type DispatchStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewDispatchStore creates a new DispatchStore instance.
func NewDispatchStore(db *gorm.DB, logger *slog.Logger) (*DispatchStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &DispatchStore{
		logger: logger,
		db:     db,
	}, nil
}

// Create stores a new pending dispatch, generating its ID when absent.
func (s *DispatchStore) Create(ctx context.Context, dispatch *AlertDispatch) error {
	if dispatch == nil {
		return errors.New("dispatch cannot be nil")
	}

	if dispatch.ID == "" {
		dispatch.ID = uuid.NewString()
	}

	if dispatch.Status == "" {
		dispatch.Status = DispatchPending
	}

	if err := s.db.WithContext(ctx).Create(dispatch).Error; err != nil {
		return fmt.Errorf("failed to create dispatch: %w", err)
	}
	return nil
}

// GetByID loads a single dispatch.
func (s *DispatchStore) GetByID(ctx context.Context, dispatchID string) (*AlertDispatch, error) {
	var dispatch AlertDispatch
	err := s.db.WithContext(ctx).Where("id = ?", dispatchID).First(&dispatch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("dispatch %q: %w", dispatchID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load dispatch: %w", err)
	}
	return &dispatch, nil
}

// RecordAttempt bumps the attempt counter and stores the outcome of one
// delivery attempt.
func (s *DispatchStore) RecordAttempt(ctx context.Context, dispatchID string, status DispatchStatus, attemptErr error) error {
	updates := map[string]any{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"status":          status,
		"last_attempt_at": time.Now().UTC(),
	}
	if attemptErr != nil {
		updates["last_error"] = attemptErr.Error()
	} else {
		updates["last_error"] = ""
	}

	err := s.db.WithContext(ctx).Model(&AlertDispatch{}).
		Where("id = ?", dispatchID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to record dispatch attempt: %w", err)
	}
	return nil
}

// ListByStatus returns dispatches in the given state, newest first. Operators
// use it to surface failed_permanent deliveries.
func (s *DispatchStore) ListByStatus(ctx context.Context, status DispatchStatus, limit int) ([]AlertDispatch, error) {
	if limit <= 0 {
		limit = 100
	}

	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var dispatches []AlertDispatch
	if err := q.Find(&dispatches).Error; err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	return dispatches, nil
}

// ListStalePending returns pending dispatches that have not seen an attempt
// since the cutoff. The dispatcher requeues them so an enqueue lost between
// row creation and broker publish is eventually delivered.
func (s *DispatchStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]AlertDispatch, error) {
	if limit <= 0 {
		limit = 100
	}

	var dispatches []AlertDispatch
	err := s.db.WithContext(ctx).
		Where("status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?) AND created_at < ?",
			DispatchPending, cutoff, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&dispatches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending dispatches: %w", err)
	}
	return dispatches, nil
}
