package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New(Options{})

	var got []string
	bus.Subscribe(KindLog, func(ev Event) {
		got = append(got, ev.Log.Message)
	})

	for i := 0; i < 5; i++ {
		bus.Publish(NewLog(LevelInfo, "test", fmt.Sprintf("msg-%d", i)))
	}

	if len(got) != 5 {
		t.Fatalf("delivered = %d, want 5", len(got))
	}
	for i, msg := range got {
		want := fmt.Sprintf("msg-%d", i)
		if msg != want {
			t.Errorf("got[%d] = %s, want %s", i, msg, want)
		}
	}
}

func TestSubscribeKindFiltering(t *testing.T) {
	bus := New(Options{})

	var logs, statuses int
	bus.Subscribe(KindLog, func(Event) { logs++ })
	bus.Subscribe(KindStatus, func(Event) { statuses++ })

	bus.Publish(NewLog(LevelInfo, "test", "hello"))
	bus.Publish(NewStatus("unit-1", "running"))
	bus.Publish(NewStatus("unit-2", "completed"))

	if logs != 1 {
		t.Errorf("log handler calls = %d, want 1", logs)
	}
	if statuses != 2 {
		t.Errorf("status handler calls = %d, want 2", statuses)
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := New(Options{})

	var count int
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(NewLog(LevelInfo, "test", "a"))
	bus.Publish(NewStatus("u1", "running"))
	bus.Publish(NewCommand(CommandPause, ""))

	if count != 3 {
		t.Errorf("wildcard handler calls = %d, want 3", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New(Options{})

	var count int
	token := bus.Subscribe(KindLog, func(Event) { count++ })

	bus.Publish(NewLog(LevelInfo, "test", "one"))
	if !bus.Unsubscribe(token) {
		t.Error("Unsubscribe should return true for a live token")
	}
	bus.Publish(NewLog(LevelInfo, "test", "two"))

	if count != 1 {
		t.Errorf("handler calls = %d, want 1", count)
	}
	if bus.Unsubscribe(token) {
		t.Error("Unsubscribe should return false for a dead token")
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := New(Options{})

	var delivered bool
	bus.Subscribe(KindLog, func(Event) { panic("bad handler") })
	bus.Subscribe(KindLog, func(Event) { delivered = true })

	bus.Publish(NewLog(LevelInfo, "test", "hello"))

	if !delivered {
		t.Error("second handler should run after the first panics")
	}
}

func TestPublishFromHandlerDoesNotDeadlock(t *testing.T) {
	bus := New(Options{})

	var nested bool
	bus.Subscribe(KindStatus, func(Event) { nested = true })
	bus.Subscribe(KindLog, func(Event) {
		bus.Publish(NewStatus("u1", "running"))
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(NewLog(LevelInfo, "test", "trigger"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish from handler deadlocked")
	}
	if !nested {
		t.Error("nested publish should reach its subscriber")
	}
}

func TestHistoryCapacityEviction(t *testing.T) {
	bus := New(Options{HistorySize: 10})

	for i := 0; i < 11; i++ {
		bus.Publish(NewLog(LevelInfo, "test", fmt.Sprintf("msg-%d", i)))
	}

	events := bus.History(Query{})
	if len(events) != 10 {
		t.Fatalf("history size = %d, want 10", len(events))
	}
	// Newest first; the oldest (msg-0) was evicted
	if events[0].Log.Message != "msg-10" {
		t.Errorf("newest = %s, want msg-10", events[0].Log.Message)
	}
	if events[9].Log.Message != "msg-1" {
		t.Errorf("oldest retained = %s, want msg-1", events[9].Log.Message)
	}
}

func TestHistoryFilters(t *testing.T) {
	bus := New(Options{})

	bus.Publish(NewLog(LevelInfo, "worker-1", "hello"))
	bus.Publish(NewLog(LevelError, "worker-2", "broken"))
	bus.Publish(NewStatus("u1", "running"))

	if got := len(bus.History(Query{Kind: KindStatus})); got != 1 {
		t.Errorf("status events = %d, want 1", got)
	}
	if got := len(bus.History(Query{Level: LevelError})); got != 1 {
		t.Errorf("error logs = %d, want 1", got)
	}
	if got := len(bus.History(Query{Source: "WORKER-1"})); got != 1 {
		t.Errorf("source match (case-insensitive) = %d, want 1", got)
	}
	if got := len(bus.History(Query{Kind: KindLog, Limit: 1})); got != 1 {
		t.Errorf("limited logs = %d, want 1", got)
	}
}

func TestClearHistory(t *testing.T) {
	bus := New(Options{})
	bus.Publish(NewLog(LevelInfo, "test", "a"))
	bus.ClearHistory()

	if got := len(bus.History(Query{})); got != 0 {
		t.Errorf("history after clear = %d, want 0", got)
	}
}

func TestAsyncDeliveryOrderAndDrain(t *testing.T) {
	bus := New(Options{QueueSize: 64})

	var mu sync.Mutex
	var got []string
	bus.Subscribe(KindLog, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Log.Message)
		mu.Unlock()
	})

	bus.StartAsync()
	for i := 0; i < 20; i++ {
		bus.PublishAsync(NewLog(LevelInfo, "test", fmt.Sprintf("msg-%d", i)))
	}
	bus.StopAsync(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("delivered = %d, want 20 (queue must drain on stop)", len(got))
	}
	for i, msg := range got {
		want := fmt.Sprintf("msg-%d", i)
		if msg != want {
			t.Errorf("got[%d] = %s, want %s", i, msg, want)
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := New(Options{})

	var mu sync.Mutex
	count := 0
	bus.Subscribe(KindLog, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewLog(LevelInfo, "test", "x"))
			}
		}()
	}
	wg.Wait()

	if count != 500 {
		t.Errorf("delivered = %d, want 500", count)
	}
}

func TestEmitterHelpers(t *testing.T) {
	bus := New(Options{})

	var events []Event
	bus.SubscribeAll(func(ev Event) { events = append(events, ev) })

	bus.LogInfo("src", "hello")
	bus.UpdateStatusProgress("u1", "running", 0.5)
	bus.SendCommand(CommandPause, "u1")
	bus.SendPrompt("u1", "try again")
	bus.PublishProgress("deploy", 3, 10)

	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if events[1].Status.Progress == nil || *events[1].Status.Progress != 0.5 {
		t.Errorf("Progress = %v, want 0.5", events[1].Status.Progress)
	}
	if events[2].Command.Command != CommandPause {
		t.Errorf("Command = %s, want pause", events[2].Command.Command)
	}
	if events[3].Command.Command != CommandInjectPrompt {
		t.Errorf("Command = %s, want inject_prompt", events[3].Command.Command)
	}
	if events[4].Progress.Total != 10 {
		t.Errorf("Total = %d, want 10", events[4].Progress.Total)
	}
}
