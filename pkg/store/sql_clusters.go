package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

const clusterColumns = `cluster_id, endpoint, COALESCE(region, ''), status,
	health_score, max_agents, current_agents, load_factor, capabilities,
	models, last_heartbeat, registered_at`

// SQLClusters is the PostgreSQL ClusterStore.
type SQLClusters struct {
	db *sql.DB
}

// NewSQLClusters creates the cluster store over the shared pool.
func NewSQLClusters(db *sql.DB) *SQLClusters { return &SQLClusters{db: db} }

func scanCluster(row interface{ Scan(...any) error }) (*models.Cluster, error) {
	c := &models.Cluster{}
	var capabilities, clusterModels []byte
	err := row.Scan(&c.ID, &c.Endpoint, &c.Region, &c.Status, &c.HealthScore,
		&c.Capacity.MaxAgents, &c.Capacity.CurrentAgents, &c.Capacity.LoadFactor,
		&capabilities, &clusterModels, &c.LastHeartbeat, &c.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &c.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	if len(clusterModels) > 0 {
		if err := json.Unmarshal(clusterModels, &c.Models); err != nil {
			return nil, fmt.Errorf("failed to decode models: %w", err)
		}
	}
	return c, nil
}

func (s *SQLClusters) Upsert(ctx context.Context, c *models.Cluster) error {
	capabilities, err := marshalSliceOrNil(c.Capabilities)
	if err != nil {
		return err
	}
	clusterModels, err := marshalSliceOrNil(c.Models)
	if err != nil {
		return err
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = time.Now().UTC()
	}
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = c.RegisteredAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clusters (cluster_id, endpoint, region, status, health_score,
			max_agents, current_agents, load_factor, capabilities, models,
			last_heartbeat, registered_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (cluster_id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint, region = EXCLUDED.region,
			status = EXCLUDED.status, health_score = EXCLUDED.health_score,
			max_agents = EXCLUDED.max_agents,
			current_agents = EXCLUDED.current_agents,
			load_factor = EXCLUDED.load_factor,
			capabilities = EXCLUDED.capabilities, models = EXCLUDED.models,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		c.ID, c.Endpoint, c.Region, c.Status, c.HealthScore,
		c.Capacity.MaxAgents, c.Capacity.CurrentAgents, c.Capacity.LoadFactor,
		capabilities, clusterModels, c.LastHeartbeat, c.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cluster: %w", err)
	}
	return nil
}

func (s *SQLClusters) Get(ctx context.Context, id string) (*models.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE cluster_id = $1`, id)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

func (s *SQLClusters) List(ctx context.Context) ([]*models.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters ORDER BY cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLClusters) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE cluster_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLClusters) UpdateHeartbeat(ctx context.Context, id string, capacity models.ClusterCapacity, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET max_agents = $1, current_agents = $2,
			load_factor = $3, last_heartbeat = $4
		 WHERE cluster_id = $5`,
		capacity.MaxAgents, capacity.CurrentAgents, capacity.LoadFactor, at, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLClusters) UpdateStatus(ctx context.Context, id string, status models.ClusterStatus, healthScore float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET status = $1, health_score = $2 WHERE cluster_id = $3`,
		status, healthScore, id)
	if err != nil {
		return fmt.Errorf("failed to update cluster status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSliceOrNil(v []string) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list column: %w", err)
	}
	return out, nil
}
