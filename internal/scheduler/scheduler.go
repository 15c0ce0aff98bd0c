// Package scheduler decides which pending work unit may be dispatched next,
// based on priority, per-category concurrency slots, and scratch org
// availability.
package scheduler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
)

// Config holds scheduler settings. Zero values get defaults.
type Config struct {
	QASlots     int // concurrent qa units, default 6
	CodingSlots int // concurrent coding units, default 2

	PriorityQA     int // default priority for qa units, default 0
	PriorityCoding int // default priority for coding units, default 10
}

func (c Config) withDefaults() Config {
	if c.QASlots <= 0 {
		c.QASlots = 6
	}
	if c.CodingSlots <= 0 {
		c.CodingSlots = 2
	}
	if c.PriorityCoding == 0 {
		c.PriorityCoding = 10
	}
	return c
}

type entry struct {
	unit *domain.WorkUnit
	seq  uint64
}

// Scheduler keeps the pending list sorted by priority and admits units whose
// category slots and resources permit dispatch.
type Scheduler struct {
	cfg  Config
	orgs *orgpool.Pool // optional; nil disables the resource check
	log  *zap.Logger

	mu            sync.Mutex
	pending       []entry
	seq           uint64
	runningQA     map[string]*domain.WorkUnit
	runningCoding map[string]*domain.WorkUnit
}

// New creates a Scheduler. orgs may be nil when no resource check is wanted.
func New(cfg Config, orgs *orgpool.Pool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:           cfg.withDefaults(),
		orgs:          orgs,
		log:           logger,
		runningQA:     make(map[string]*domain.WorkUnit),
		runningCoding: make(map[string]*domain.WorkUnit),
	}
}

// Schedule appends units to the pending list. A unit with priority 0 is
// treated as "no priority given" and receives its category default; callers
// that want a unit ordered below category defaults submit a negative
// priority. The list stays sorted by descending priority, FIFO among equals.
func (s *Scheduler) Schedule(units ...*domain.WorkUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, unit := range units {
		if unit.Priority == 0 {
			if unit.Test.Type == domain.TestQA {
				unit.Priority = s.cfg.PriorityQA
			} else {
				unit.Priority = s.cfg.PriorityCoding
			}
		}
		s.seq++
		s.pending = append(s.pending, entry{unit: unit, seq: s.seq})
	}

	sort.Slice(s.pending, func(i, j int) bool {
		if s.pending[i].unit.Priority != s.pending[j].unit.Priority {
			return s.pending[i].unit.Priority > s.pending[j].unit.Priority
		}
		return s.pending[i].seq < s.pending[j].seq
	})
}

// GetNext returns the highest-priority admissible unit, removing it from
// pending and counting it against its category slots. Returns nil when no
// pending unit is currently admissible; the caller retries later.
func (s *Scheduler) GetNext() *domain.WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.pending {
		if !s.canRun(e.unit) {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		s.markRunning(e.unit)
		return e.unit
	}
	return nil
}

// MarkComplete frees the category slot held by a unit
func (s *Scheduler) MarkComplete(unit *domain.WorkUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unit.Test.Type == domain.TestQA {
		delete(s.runningQA, unit.ID)
	} else {
		delete(s.runningCoding, unit.ID)
	}
}

// DrainPending removes and returns every pending unit
func (s *Scheduler) DrainPending() []*domain.WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.WorkUnit, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.unit)
	}
	s.pending = nil
	return out
}

// PendingCount returns the number of units waiting for dispatch
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// canRun checks category slots and, for org-requiring categories, org
// availability. Caller holds the lock.
func (s *Scheduler) canRun(unit *domain.WorkUnit) bool {
	if unit.Test.Type == domain.TestQA {
		return len(s.runningQA) < s.cfg.QASlots
	}
	if len(s.runningCoding) >= s.cfg.CodingSlots {
		return false
	}
	if unit.Test.RequiresOrg && s.orgs != nil {
		return s.orgs.Available() > 0
	}
	return true
}

func (s *Scheduler) markRunning(unit *domain.WorkUnit) {
	if unit.Test.Type == domain.TestQA {
		s.runningQA[unit.ID] = unit
	} else {
		s.runningCoding[unit.ID] = unit
	}
}

// Status is a point-in-time view of scheduler occupancy
type Status struct {
	Pending       int `json:"pending"`
	RunningQA     int `json:"running_qa"`
	RunningCoding int `json:"running_coding"`
	QASlots       int `json:"qa_slots"`
	CodingSlots   int `json:"coding_slots"`
}

// Status returns current counts
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Pending:       len(s.pending),
		RunningQA:     len(s.runningQA),
		RunningCoding: len(s.runningCoding),
		QASlots:       s.cfg.QASlots,
		CodingSlots:   s.cfg.CodingSlots,
	}
}
