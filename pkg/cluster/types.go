package cluster

import (
	"time"

	"github.com/aifoundry-org/cardice/pkg/provider"
)

// StartRequest describes a batch of nodes to launch from one profile.
type StartRequest struct {
	Profile    string
	Count      int
	NamePrefix string
	// RefreshPeriod is how often progress is logged while nodes start
	RefreshPeriod  time.Duration
	MaxConcurrency int64
	// Timeout bounds the wait for each node to reach the running state
	Timeout time.Duration
}

func (r StartRequest) withDefaults() StartRequest {
	if r.Count == 0 {
		r.Count = DefaultCount
	}
	if r.NamePrefix == "" {
		r.NamePrefix = DefaultNamePrefix
	}
	if r.RefreshPeriod <= 0 {
		r.RefreshPeriod = DefaultRefreshPeriod
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = DefaultMaxConcurrency
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// LifecycleRequest tunes the operations that act on existing roster nodes.
type LifecycleRequest struct {
	RefreshPeriod  time.Duration
	MaxConcurrency int64
}

func (r LifecycleRequest) withDefaults() LifecycleRequest {
	if r.RefreshPeriod <= 0 {
		r.RefreshPeriod = DefaultRefreshPeriod
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = DefaultMaxConcurrency
	}
	return r
}

// ShrinkRequest removes the Count most recently registered nodes whose name
// starts with NamePrefix.
type ShrinkRequest struct {
	LifecycleRequest
	Count      int
	NamePrefix string
}

// StatusRequest controls what Status reports.
type StatusRequest struct {
	// Ping checks SSH reachability of every running node
	Ping bool
}

// NodeStatus is the combined roster and provider view of one node.
type NodeStatus struct {
	Name     string
	Profile  string
	Provider string
	ID       string
	Address  string
	// State is reported by the provider, or terminated when the provider no
	// longer knows the node
	State provider.State
	// RosterState is the last state cardice recorded
	RosterState provider.State
	Pinged      bool
	Reachable   bool
}
