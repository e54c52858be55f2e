// Package budget enforces hierarchical spend limits. Budgets chain from
// leaf to root (agent -> team -> user/project -> organization); a consume
// must fit at every level or it is rejected without touching any of them.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// Errors returned by the manager.
var (
	ErrInvalidLevel  = errors.New("unknown budget level")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidTotal  = errors.New("budget total must be positive")
)

// ExceededError reports which level of the chain rejected a consume.
type ExceededError struct {
	EntityID  string
	Level     models.BudgetLevel
	Requested float64
	Remaining float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded at %s level for %s: requested %.4f, remaining %.4f",
		e.Level, e.EntityID, e.Requested, e.Remaining)
}

// Manager owns budget records and the alert thresholds.
type Manager struct {
	budgets store.BudgetStore
	bus     *eventbus.Bus
	cfg     config.BudgetConfig
	logger  *slog.Logger
}

// NewManager creates a budget manager.
func NewManager(budgets store.BudgetStore, bus *eventbus.Bus, cfg config.BudgetConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		budgets: budgets,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "budget"),
	}
}

// CreateRequest is the shape for allocating a budget.
type CreateRequest struct {
	EntityID string             `json:"entity_id"`
	Level    models.BudgetLevel `json:"level"`
	ParentID string             `json:"parent_id,omitempty"`
	Total    float64            `json:"total"`
	Currency string             `json:"currency,omitempty"`
}

// Create allocates a budget for an entity at a level.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Budget, error) {
	if !validLevel(req.Level) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, req.Level)
	}
	if req.Total <= 0 {
		return nil, ErrInvalidTotal
	}
	if req.ParentID != "" {
		if _, err := m.budgets.Get(ctx, req.ParentID); err != nil {
			return nil, fmt.Errorf("parent budget %s: %w", req.ParentID, err)
		}
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	b := &models.Budget{
		ID:       uuid.New().String(),
		EntityID: req.EntityID,
		Level:    req.Level,
		ParentID: req.ParentID,
		Total:    req.Total,
		Currency: currency,
	}
	if err := m.budgets.Create(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Info("budget created",
		"budget_id", b.ID, "entity_id", b.EntityID, "level", b.Level, "total", b.Total)
	return b, nil
}

// Get returns a budget by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Budget, error) {
	return m.budgets.Get(ctx, id)
}

// GetByEntity returns the budget bound to an entity at a level.
func (m *Manager) GetByEntity(ctx context.Context, entityID string, level models.BudgetLevel) (*models.Budget, error) {
	return m.budgets.GetByEntity(ctx, entityID, level)
}

// Chain returns the budget chain for an entity, leaf first.
func (m *Manager) Chain(ctx context.Context, entityID string, level models.BudgetLevel) ([]*models.Budget, error) {
	leaf, err := m.budgets.GetByEntity(ctx, entityID, level)
	if err != nil {
		return nil, err
	}
	return m.budgets.Chain(ctx, leaf.ID)
}

// Consume charges amount against the entity's budget and every ancestor,
// all or nothing. Crossing the warning or critical fraction on any level
// announces exactly one alert for that crossing; a rejected consume
// announces budget.exceeded and changes nothing.
func (m *Manager) Consume(ctx context.Context, entityID string, level models.BudgetLevel, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	chain, err := m.Chain(ctx, entityID, level)
	if err != nil {
		return err
	}
	ids := make([]string, len(chain))
	byID := make(map[string]*models.Budget, len(chain))
	for i, b := range chain {
		ids[i] = b.ID
		byID[b.ID] = b
	}

	after, err := m.budgets.Consume(ctx, ids, amount)
	if err != nil {
		var insufficient *store.InsufficientBudgetError
		if errors.As(err, &insufficient) {
			failed := byID[insufficient.BudgetID]
			exceeded := &ExceededError{
				EntityID:  entityID,
				Requested: amount,
				Remaining: insufficient.Remaining,
			}
			if failed != nil {
				exceeded.Level = failed.Level
				exceeded.EntityID = failed.EntityID
				if insufficient.Remaining < 0 {
					exceeded.Remaining = failed.Remaining()
				}
			}
			m.announce(ctx, eventbus.EventBudgetExceeded, failed, map[string]any{
				"requested": amount,
				"remaining": exceeded.Remaining,
			})
			return exceeded
		}
		return err
	}

	// A debit that jumps both thresholds announces only the most severe
	// alert; the warning is implied by the critical.
	for _, b := range after {
		before := (b.Consumed - amount) / b.Total
		now := b.Fraction()
		if before < m.cfg.CriticalThreshold && now >= m.cfg.CriticalThreshold {
			m.announce(ctx, eventbus.EventBudgetCritical, b, map[string]any{
				"fraction":  now,
				"threshold": m.cfg.CriticalThreshold,
			})
		} else if before < m.cfg.WarningThreshold && now >= m.cfg.WarningThreshold {
			m.announce(ctx, eventbus.EventBudgetWarning, b, map[string]any{
				"fraction":  now,
				"threshold": m.cfg.WarningThreshold,
			})
		}
	}
	return nil
}

// Release refunds amount along the entity's chain, clamping at zero.
func (m *Manager) Release(ctx context.Context, entityID string, level models.BudgetLevel, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	chain, err := m.Chain(ctx, entityID, level)
	if err != nil {
		return err
	}
	ids := make([]string, len(chain))
	for i, b := range chain {
		ids[i] = b.ID
	}
	return m.budgets.Release(ctx, ids, amount)
}

// Remaining returns how much the entity can still spend before its
// tightest chain level runs out.
func (m *Manager) Remaining(ctx context.Context, entityID string, level models.BudgetLevel) (float64, error) {
	chain, err := m.Chain(ctx, entityID, level)
	if err != nil {
		return 0, err
	}
	remaining := chain[0].Remaining()
	for _, b := range chain[1:] {
		if r := b.Remaining(); r < remaining {
			remaining = r
		}
	}
	return remaining, nil
}

func (m *Manager) announce(ctx context.Context, eventType string, b *models.Budget, extra map[string]any) {
	payload := map[string]any{}
	if b != nil {
		payload["budget_id"] = b.ID
		payload["entity_id"] = b.EntityID
		payload["level"] = string(b.Level)
		payload["consumed"] = b.Consumed
		payload["total"] = b.Total
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := eventbus.New(eventType, "budget", payload)
	if _, err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Error("failed to publish budget event", "event_type", eventType, "error", err)
	}
}

func validLevel(level models.BudgetLevel) bool {
	switch level {
	case models.BudgetLevelAgent, models.BudgetLevelTeam, models.BudgetLevelUser,
		models.BudgetLevelProject, models.BudgetLevelOrganization:
		return true
	}
	return false
}
