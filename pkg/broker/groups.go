// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/strata/pkg/protocol"
)

const (
	defaultSessionTimeout = 30 * time.Second
	defaultSweepInterval  = 5 * time.Second
)

// GroupRegistryConfig tunes membership bookkeeping.
type GroupRegistryConfig struct {
	// SessionTimeout is used for members registered without one.
	SessionTimeout time.Duration
	// SweepInterval is how often Run scans for expired members.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// GroupRegistry tracks consumer group membership liveness for the heartbeat
// relay. It deliberately carries no rebalance protocol: members are seeded
// through AddMember, heartbeats refresh their session, and an expiry sweep
// drops the silent ones. A group that lost a member answers heartbeats with
// REBALANCE_IN_PROGRESS until a registration brings it back to a stable
// generation.
type GroupRegistry struct {
	cfg GroupRegistryConfig
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	groups map[string]*memberGroup
}

type memberGroup struct {
	generation  int32
	rebalancing bool
	members     map[string]*groupMember
}

type groupMember struct {
	sessionTimeout time.Duration
	lastHeartbeat  time.Time
}

// NewGroupRegistry builds an empty registry.
func NewGroupRegistry(cfg GroupRegistryConfig) *GroupRegistry {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &GroupRegistry{
		cfg:    cfg,
		log:    log.With("component", "groups"),
		now:    time.Now,
		groups: make(map[string]*memberGroup),
	}
}

// AddMember registers (or re-registers) a member and returns the group
// generation its heartbeats must carry. Every registration bumps the
// generation and settles the group: members holding the old generation learn
// about it through ILLEGAL_GENERATION on their next heartbeat.
func (r *GroupRegistry) AddMember(groupID, memberID string, sessionTimeout time.Duration) int32 {
	if sessionTimeout <= 0 {
		sessionTimeout = r.cfg.SessionTimeout
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[groupID]
	if g == nil {
		g = &memberGroup{members: make(map[string]*groupMember)}
		r.groups[groupID] = g
	}
	g.generation++
	g.rebalancing = false
	g.members[memberID] = &groupMember{
		sessionTimeout: sessionTimeout,
		lastHeartbeat:  now,
	}
	r.log.Debug("group member registered",
		"group", groupID, "member", memberID, "generation", g.generation)
	return g.generation
}

// Heartbeat applies the relay ladder for one heartbeat and returns the
// protocol error code for the response: unknown group or member, then stale
// generation, then an unsettled group, and only then is liveness recorded.
func (r *GroupRegistry) Heartbeat(groupID, memberID string, generation int32) int16 {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(now)

	g, ok := r.groups[groupID]
	if !ok {
		return protocol.UNKNOWN_MEMBER_ID
	}
	m, ok := g.members[memberID]
	if !ok {
		return protocol.UNKNOWN_MEMBER_ID
	}
	if generation != g.generation {
		return protocol.ILLEGAL_GENERATION
	}
	if g.rebalancing {
		return protocol.REBALANCE_IN_PROGRESS
	}
	m.lastHeartbeat = now
	return protocol.NONE
}

// MemberCount reports the live member count of a group.
func (r *GroupRegistry) MemberCount(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return 0
	}
	return len(g.members)
}

// Run sweeps expired members until ctx is cancelled.
func (r *GroupRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep drops members whose session timed out.
func (r *GroupRegistry) Sweep() {
	now := r.now()
	r.mu.Lock()
	r.expireLocked(now)
	r.mu.Unlock()
}

func (r *GroupRegistry) expireLocked(now time.Time) {
	for groupID, g := range r.groups {
		expired := 0
		for memberID, m := range g.members {
			if now.Sub(m.lastHeartbeat) > m.sessionTimeout {
				delete(g.members, memberID)
				expired++
				r.log.Debug("group member expired",
					"group", groupID, "member", memberID, "generation", g.generation)
			}
		}
		if expired == 0 {
			continue
		}
		if len(g.members) == 0 {
			delete(r.groups, groupID)
			continue
		}
		// Survivors must re-register before the group settles again.
		g.rebalancing = true
	}
}
