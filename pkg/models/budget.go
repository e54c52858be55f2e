package models

import "time"

// BudgetLevel identifies where in the entity hierarchy a budget is bound.
// Budgets form a parent chain agent → team → project → organization; a
// consume call must pass every level in the chain.
type BudgetLevel string

// Budget levels, ordered from leaf to root.
const (
	BudgetLevelAgent        BudgetLevel = "agent"
	BudgetLevelTeam         BudgetLevel = "team"
	BudgetLevelUser         BudgetLevel = "user"
	BudgetLevelProject      BudgetLevel = "project"
	BudgetLevelOrganization BudgetLevel = "organization"
)

// Budget tracks spend for one entity over an optional period.
// Invariant: 0 <= Consumed <= Total, enforced atomically by the store.
type Budget struct {
	ID          string      `json:"id"`
	EntityID    string      `json:"entity_id"`
	Level       BudgetLevel `json:"level"`
	ParentID    string      `json:"parent_id,omitempty"`
	Total       float64     `json:"total"`
	Consumed    float64     `json:"consumed"`
	Currency    string      `json:"currency"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   *time.Time  `json:"period_end,omitempty"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Remaining returns the unconsumed amount.
func (b *Budget) Remaining() float64 { return b.Total - b.Consumed }

// Fraction returns consumed/total in [0,1]; 0 when total is unset.
func (b *Budget) Fraction() float64 {
	if b.Total <= 0 {
		return 0
	}
	return b.Consumed / b.Total
}

// Clone returns a copy.
func (b *Budget) Clone() *Budget {
	cp := *b
	if b.PeriodEnd != nil {
		t := *b.PeriodEnd
		cp.PeriodEnd = &t
	}
	return &cp
}
