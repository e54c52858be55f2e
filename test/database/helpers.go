// Package database contains integration tests for the SQL-backed stores,
// the transaction manager, and the event journal. They run against real
// PostgreSQL: an external instance via CI_DATABASE_URL in CI, or a shared
// testcontainer in local dev (one container per package, one schema per
// test).
package database

import (
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
	"github.com/hiveplane/hiveplane/pkg/tx"
	"github.com/hiveplane/hiveplane/test/util"
)

type fixture struct {
	db      *stdsql.DB
	txm     *tx.Manager
	agents  *store.SQLAgents
	budgets *store.SQLBudgets
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := util.SetupTestDatabase(t)
	txm := tx.NewManager(db, config.TransactionConfig{
		DefaultIsolation: config.IsolationReadCommitted,
		MaxRetries:       3,
		Timeout:          30 * time.Second,
		RetryBase:        10 * time.Millisecond,
	})
	return &fixture{
		db:      db,
		txm:     txm,
		agents:  store.NewSQLAgents(txm),
		budgets: store.NewSQLBudgets(txm),
	}
}

func pendingAgent(teamID string) *models.Agent {
	return &models.Agent{
		ID:         uuid.New().String(),
		TeamID:     teamID,
		Model:      "default",
		Task:       "summarize the incident",
		State:      models.AgentStatePending,
		MaxRetries: 3,
	}
}

func newBudget(entityID string, level models.BudgetLevel, parentID string, total float64) *models.Budget {
	return &models.Budget{
		ID:       uuid.New().String(),
		EntityID: entityID,
		Level:    level,
		ParentID: parentID,
		Total:    total,
		Currency: "USD",
	}
}
