// Package registry tracks the agents a supervisor process knows about and
// their last observed balances.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Health states an agent can report.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// AgentStatus is the last known state of one agent.
type AgentStatus struct {
	AgentID       string    `json:"agentId"`
	Name          string    `json:"name"`
	WalletAddress string    `json:"walletAddress"`
	Credits       int64     `json:"credits"`
	TokenBalance  string    `json:"tokenBalance"`
	NativeBalance string    `json:"nativeBalance"`
	Status        string    `json:"status"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Registry is a mutex-guarded agent status store.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentStatus
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*AgentStatus), now: time.Now}
}

// Register adds or replaces an agent record.
func (r *Registry) Register(status AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status.LastActivity = r.now()
	if status.Status == "" {
		status.Status = StatusActive
	}
	r.agents[status.AgentID] = &status
}

// UpdateStatus mutates an existing record in place. Returns false for
// unknown agents.
func (r *Registry) UpdateStatus(agentID string, mutate func(*AgentStatus)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.agents[agentID]
	if !ok {
		return false
	}
	mutate(status)
	status.LastActivity = r.now()
	return true
}

// Get returns one agent's status.
func (r *Registry) Get(agentID string) (AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.agents[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return *status, true
}

// List returns all agents sorted by id.
func (r *Registry) List() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]AgentStatus, 0, len(r.agents))
	for _, status := range r.agents {
		agents = append(agents, *status)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}
