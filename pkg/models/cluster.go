package models

import "time"

// ClusterStatus is the federation peer status, derived from heartbeat
// freshness and breaker state.
type ClusterStatus string

// Cluster status values.
const (
	ClusterStatusOnline   ClusterStatus = "online"
	ClusterStatusDegraded ClusterStatus = "degraded"
	ClusterStatusOffline  ClusterStatus = "offline"
)

// ClusterCapacity describes a peer's current load.
type ClusterCapacity struct {
	MaxAgents     int     `json:"max_agents"`
	CurrentAgents int     `json:"current_agents"`
	LoadFactor    float64 `json:"load_factor"` // [0,1]
}

// Cluster is one control-plane instance participating in federation.
type Cluster struct {
	ID            string          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	Region        string          `json:"region,omitempty"`
	Status        ClusterStatus   `json:"status"`
	HealthScore   float64         `json:"health_score"` // [0,100]
	Capacity      ClusterCapacity `json:"capacity"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Models        []string        `json:"models,omitempty"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

// HasCapability reports whether the cluster advertises the capability.
func (c *Cluster) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// HasModel reports whether the cluster serves the model.
func (c *Cluster) HasModel(model string) bool {
	for _, have := range c.Models {
		if have == model {
			return true
		}
	}
	return false
}

// Clone returns a copy.
func (c *Cluster) Clone() *Cluster {
	cp := *c
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	cp.Models = append([]string(nil), c.Models...)
	return &cp
}

// RouteRequest describes a federation routing decision input.
type RouteRequest struct {
	SessionID    string   `json:"session_id,omitempty"`
	Region       string   `json:"region,omitempty"`
	StrictRegion bool     `json:"strict_region,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Model        string   `json:"model,omitempty"`
}
