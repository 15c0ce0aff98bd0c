package scheduler

import (
	"testing"
	"time"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
)

func qaUnit(id string) *domain.WorkUnit {
	u := domain.NewWorkUnit(domain.Test{ID: id, Type: domain.TestQA, Name: id}, domain.NewAgent("cli", "m"))
	u.ID = id
	return u
}

func codingUnit(id string, requiresOrg bool) *domain.WorkUnit {
	u := domain.NewWorkUnit(domain.Test{ID: id, Type: domain.TestCoding, Name: id, RequiresOrg: requiresOrg}, domain.NewAgent("cli", "m"))
	u.ID = id
	return u
}

func TestDefaultPriorities(t *testing.T) {
	s := New(Config{}, nil, nil)

	qa := qaUnit("q1")
	coding := codingUnit("c1", false)
	s.Schedule(qa, coding)

	if qa.Priority != 0 {
		t.Errorf("qa priority = %d, want 0", qa.Priority)
	}
	if coding.Priority != 10 {
		t.Errorf("coding priority = %d, want 10", coding.Priority)
	}

	// Coding outranks qa with defaults
	if got := s.GetNext(); got == nil || got.ID != "c1" {
		t.Errorf("GetNext = %v, want c1", got)
	}
}

func TestExplicitPriorityKept(t *testing.T) {
	s := New(Config{}, nil, nil)

	u := qaUnit("q1")
	u.Priority = 50
	s.Schedule(u)

	if u.Priority != 50 {
		t.Errorf("priority = %d, want 50 unchanged", u.Priority)
	}
}

func TestFIFOAmongEqualPriority(t *testing.T) {
	s := New(Config{}, nil, nil)

	s.Schedule(qaUnit("q1"))
	s.Schedule(qaUnit("q2"))
	s.Schedule(qaUnit("q3"))

	for _, want := range []string{"q1", "q2", "q3"} {
		got := s.GetNext()
		if got == nil || got.ID != want {
			t.Fatalf("GetNext = %v, want %s", got, want)
		}
	}
}

func TestCategorySlotLimits(t *testing.T) {
	s := New(Config{QASlots: 2, CodingSlots: 1}, nil, nil)

	s.Schedule(qaUnit("q1"), qaUnit("q2"), qaUnit("q3"))

	if s.GetNext() == nil || s.GetNext() == nil {
		t.Fatal("two qa units should be admitted")
	}
	if got := s.GetNext(); got != nil {
		t.Errorf("GetNext = %v, want nil when qa slots are full", got.ID)
	}
	if s.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", s.PendingCount())
	}
}

func TestMarkCompleteFreesSlot(t *testing.T) {
	s := New(Config{QASlots: 1}, nil, nil)

	s.Schedule(qaUnit("q1"), qaUnit("q2"))

	first := s.GetNext()
	if first == nil {
		t.Fatal("first unit should be admitted")
	}
	if s.GetNext() != nil {
		t.Fatal("second unit should be blocked on the slot")
	}

	s.MarkComplete(first)
	if got := s.GetNext(); got == nil || got.ID != "q2" {
		t.Errorf("GetNext after MarkComplete = %v, want q2", got)
	}
}

func TestOrgBlockedCodingDoesNotBlockQA(t *testing.T) {
	orgs := orgpool.New(nil)
	// Empty pool: coding units that need an org are inadmissible
	s := New(Config{}, orgs, nil)

	coding := codingUnit("c1", true)
	qa := qaUnit("q1")
	s.Schedule(coding, qa) // coding has higher default priority

	got := s.GetNext()
	if got == nil || got.ID != "q1" {
		t.Fatalf("GetNext = %v, want q1 to dispatch past the blocked coding unit", got)
	}

	// Once an org appears the coding unit is admissible again
	orgs.Add("org-1@scratch", "00D001")
	if got := s.GetNext(); got == nil || got.ID != "c1" {
		t.Errorf("GetNext = %v, want c1 after an org became available", got)
	}
}

func TestCodingWithoutOrgRequirementIgnoresPool(t *testing.T) {
	orgs := orgpool.New(nil)
	s := New(Config{}, orgs, nil)

	s.Schedule(codingUnit("c1", false))
	if got := s.GetNext(); got == nil || got.ID != "c1" {
		t.Errorf("GetNext = %v, want c1 despite the empty org pool", got)
	}
}

func TestOrgHeldElsewhereBlocksCoding(t *testing.T) {
	orgs := orgpool.New(nil)
	orgs.Add("org-1@scratch", "00D001")
	orgs.Acquire("someone-else", time.Second)

	s := New(Config{}, orgs, nil)
	s.Schedule(codingUnit("c1", true))

	if got := s.GetNext(); got != nil {
		t.Errorf("GetNext = %v, want nil while the only org is held", got.ID)
	}
}

func TestDrainPending(t *testing.T) {
	s := New(Config{}, nil, nil)
	s.Schedule(qaUnit("q1"), qaUnit("q2"))

	drained := s.DrainPending()
	if len(drained) != 2 {
		t.Errorf("drained = %d, want 2", len(drained))
	}
	if s.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", s.PendingCount())
	}
	if s.GetNext() != nil {
		t.Error("GetNext after drain should be nil")
	}
}

func TestStatus(t *testing.T) {
	s := New(Config{QASlots: 3, CodingSlots: 2}, nil, nil)
	s.Schedule(qaUnit("q1"), qaUnit("q2"), codingUnit("c1", false))

	s.GetNext() // admits c1 (higher default priority)

	status := s.Status()
	if status.Pending != 2 {
		t.Errorf("Pending = %d, want 2", status.Pending)
	}
	if status.RunningCoding != 1 {
		t.Errorf("RunningCoding = %d, want 1", status.RunningCoding)
	}
	if status.QASlots != 3 || status.CodingSlots != 2 {
		t.Errorf("slots = %d/%d, want 3/2", status.QASlots, status.CodingSlots)
	}
}
