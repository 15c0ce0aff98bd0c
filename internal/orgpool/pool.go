// Package orgpool hands out pre-warmed Salesforce scratch orgs to coding
// work units. The pool is bounded; Acquire blocks until an org is free or
// the timeout elapses.
package orgpool

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownOrg is returned by Remove for a username not in the pool
var ErrUnknownOrg = errors.New("orgpool: unknown org")

// Org is one scratch org handle. InUse and WorkUnitID change only while
// holding the pool lock.
type Org struct {
	Username   string
	OrgID      string
	CreatedAt  time.Time
	InUse      bool
	WorkUnitID string

	pendingRemove bool
}

// OrgStatus is a point-in-time view of one handle
type OrgStatus struct {
	Username   string `json:"username"`
	InUse      bool   `json:"in_use"`
	WorkUnitID string `json:"work_unit_id,omitempty"`
}

// Pool is a bounded pool of interchangeable scratch orgs
type Pool struct {
	mu      sync.Mutex
	orgs    []*Org
	changed chan struct{} // closed and replaced whenever availability may have grown
	log     *zap.Logger
}

// New creates an empty pool; orgs are added with Add
func New(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		changed: make(chan struct{}),
		log:     logger,
	}
}

// Acquire returns a free org marked as owned by workUnitID, blocking until
// one is available or timeout elapses. A nil return means the timeout hit;
// that is an expected outcome, not an error.
func (p *Pool) Acquire(workUnitID string, timeout time.Duration) *Org {
	deadline := time.Now().Add(timeout)

	for {
		p.mu.Lock()
		for _, org := range p.orgs {
			if !org.InUse && !org.pendingRemove {
				org.InUse = true
				org.WorkUnitID = workUnitID
				p.mu.Unlock()
				p.log.Debug("acquired org",
					zap.String("org", org.Username),
					zap.String("work_unit", workUnitID))
				return org
			}
		}
		wait := p.changed
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.log.Warn("timeout waiting for scratch org", zap.String("work_unit", workUnitID))
			return nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			p.log.Warn("timeout waiting for scratch org", zap.String("work_unit", workUnitID))
			return nil
		}
	}
}

// Release returns an org to the pool and wakes waiters. An org flagged for
// removal while in use is dropped here instead of being returned.
func (p *Pool) Release(org *Org) {
	p.mu.Lock()
	org.InUse = false
	org.WorkUnitID = ""
	if org.pendingRemove {
		p.drop(org.Username)
		p.log.Info("removed org on release", zap.String("org", org.Username))
	}
	p.broadcast()
	p.mu.Unlock()

	p.log.Debug("released org", zap.String("org", org.Username))
}

// Add registers a new org with the pool
func (p *Pool) Add(username, orgID string) *Org {
	org := &Org{
		Username:  username,
		OrgID:     orgID,
		CreatedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.orgs = append(p.orgs, org)
	p.broadcast()
	p.mu.Unlock()

	p.log.Info("added org to pool", zap.String("org", username))
	return org
}

// Remove takes an org out of the pool. Removal of an in-use org is deferred
// until its release.
func (p *Pool) Remove(username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, org := range p.orgs {
		if org.Username != username {
			continue
		}
		if org.InUse {
			org.pendingRemove = true
			p.log.Info("org in use, removal deferred", zap.String("org", username))
			return nil
		}
		p.drop(username)
		p.log.Info("removed org from pool", zap.String("org", username))
		return nil
	}
	return ErrUnknownOrg
}

// drop removes the named org from the slice. Caller holds the lock.
func (p *Pool) drop(username string) {
	for i, org := range p.orgs {
		if org.Username == username {
			p.orgs = append(p.orgs[:i], p.orgs[i+1:]...)
			return
		}
	}
}

// broadcast wakes every waiter. Caller holds the lock.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Available returns the number of free orgs
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, org := range p.orgs {
		if !org.InUse && !org.pendingRemove {
			n++
		}
	}
	return n
}

// InUse returns the number of orgs currently held
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, org := range p.orgs {
		if org.InUse {
			n++
		}
	}
	return n
}

// Total returns the pool size
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orgs)
}

// Status returns a snapshot of every handle
func (p *Pool) Status() []OrgStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OrgStatus, 0, len(p.orgs))
	for _, org := range p.orgs {
		out = append(out, OrgStatus{
			Username:   org.Username,
			InUse:      org.InUse,
			WorkUnitID: org.WorkUnitID,
		})
	}
	return out
}
