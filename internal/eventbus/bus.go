// Package eventbus is the pub/sub hub between workers, the pool, and
// external controllers. A Bus is constructed explicitly and passed to every
// component that needs one; there is no process-wide instance.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives published events
type Handler func(Event)

// Options configure a Bus. Zero values get defaults.
type Options struct {
	HistorySize int // retained events, default 1000
	QueueSize   int // async queue capacity, default 1024
	Logger      *zap.Logger
}

type subscription struct {
	token   int
	handler Handler
}

type tokenInfo struct {
	kind     Kind
	wildcard bool
}

// Bus is a thread-safe pub/sub event bus with bounded history and an
// optional asynchronous delivery queue.
type Bus struct {
	mu        sync.Mutex
	subs      map[Kind][]subscription
	wildcard  []subscription
	tokens    map[int]tokenInfo
	nextToken int

	history     []Event
	historySize int

	queue   chan Event
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	log *zap.Logger
}

// New creates a Bus
func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		subs:        make(map[Kind][]subscription),
		tokens:      make(map[int]tokenInfo),
		historySize: opts.HistorySize,
		queue:       make(chan Event, opts.QueueSize),
		log:         opts.Logger,
	}
}

// Subscribe registers a handler for one event kind and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	token := b.nextToken
	b.subs[kind] = append(b.subs[kind], subscription{token: token, handler: handler})
	b.tokens[token] = tokenInfo{kind: kind}
	return token
}

// SubscribeAll registers a wildcard handler receiving every event
func (b *Bus) SubscribeAll(handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	token := b.nextToken
	b.wildcard = append(b.wildcard, subscription{token: token, handler: handler})
	b.tokens[token] = tokenInfo{wildcard: true}
	return token
}

// Unsubscribe removes a previously registered handler
func (b *Bus) Unsubscribe(token int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.tokens[token]
	if !ok {
		return false
	}
	delete(b.tokens, token)

	if info.wildcard {
		b.wildcard = removeToken(b.wildcard, token)
		return true
	}
	b.subs[info.kind] = removeToken(b.subs[info.kind], token)
	return true
}

func removeToken(subs []subscription, token int) []subscription {
	for i, s := range subs {
		if s.token == token {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers an event to all matching handlers synchronously, in
// registration order (wildcard subscribers first). The internal lock is
// released before handlers run, so a handler may itself publish. A panicking
// handler is logged and does not stop delivery to the remaining handlers.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}

	handlers := make([]subscription, 0, len(b.wildcard)+len(b.subs[event.Kind]))
	handlers = append(handlers, b.wildcard...)
	handlers = append(handlers, b.subs[event.Kind]...)
	b.mu.Unlock()

	for _, sub := range handlers {
		b.invoke(sub.handler, event)
	}
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

// PublishAsync enqueues an event for the background delivery loop. Events
// are delivered in enqueue order once StartAsync has been called. Blocks if
// the queue is full.
func (b *Bus) PublishAsync(event Event) {
	b.queue <- event
}

// StartAsync starts the background delivery goroutine
func (b *Bus) StartAsync() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stop, done := b.stopCh, b.doneCh
	b.mu.Unlock()

	go b.deliverLoop(stop, done)
}

func (b *Bus) deliverLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-b.queue:
			b.Publish(ev)
		case <-stop:
			// Drain whatever is already queued, then exit
			for {
				select {
				case ev := <-b.queue:
					b.Publish(ev)
				default:
					return
				}
			}
		}
	}
}

// StopAsync stops the delivery loop, waiting up to drain for queued events
// to flush
func (b *Bus) StopAsync(drain time.Duration) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop, done := b.stopCh, b.doneCh
	b.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(drain):
		b.log.Warn("async event delivery did not drain in time", zap.Duration("drain", drain))
	}
}

// Query filters History results. Zero fields are ignored; Source and Level
// apply to log events only.
type Query struct {
	Kind   Kind
	Limit  int
	Since  time.Time
	Source string
	Level  LogLevel
}

// History returns retained events, newest first
func (b *Bus) History(q Query) []Event {
	b.mu.Lock()
	events := make([]Event, len(b.history))
	for i, ev := range b.history {
		events[len(b.history)-1-i] = ev
	}
	b.mu.Unlock()

	var out []Event
	for _, ev := range events {
		if q.Kind != "" && ev.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if q.Source != "" && (ev.Kind != KindLog || !containsFold(ev.Log.Source, q.Source)) {
			continue
		}
		if q.Level != "" && (ev.Kind != KindLog || ev.Log.Level != q.Level) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// ClearHistory resets the retained buffer
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Log publishes a log event tagged with an optional work unit id
func (b *Bus) Log(level LogLevel, source, message, workUnitID string, details map[string]any) {
	ev := NewLog(level, source, message)
	ev.Log.WorkUnitID = workUnitID
	ev.Log.Details = details
	b.Publish(ev)
}

// LogDebug publishes a debug log event
func (b *Bus) LogDebug(source, message string) { b.Log(LevelDebug, source, message, "", nil) }

// LogInfo publishes an info log event
func (b *Bus) LogInfo(source, message string) { b.Log(LevelInfo, source, message, "", nil) }

// LogWarn publishes a warning log event
func (b *Bus) LogWarn(source, message string) { b.Log(LevelWarn, source, message, "", nil) }

// LogError publishes an error log event
func (b *Bus) LogError(source, message string) { b.Log(LevelError, source, message, "", nil) }

// UpdateStatus publishes a status event for a work unit
func (b *Bus) UpdateStatus(workUnitID, status string) {
	b.Publish(NewStatus(workUnitID, status))
}

// UpdateStatusProgress publishes a status event carrying a progress fraction
func (b *Bus) UpdateStatusProgress(workUnitID, status string, progress float64) {
	ev := NewStatus(workUnitID, status)
	ev.Status.Progress = &progress
	b.Publish(ev)
}

// SendCommand publishes a command event; workUnitID may be empty for broadcast
func (b *Bus) SendCommand(cmd Command, workUnitID string) {
	b.Publish(NewCommand(cmd, workUnitID))
}

// SendPrompt publishes an inject_prompt command carrying the prompt text
func (b *Bus) SendPrompt(workUnitID, prompt string) {
	ev := NewCommand(CommandInjectPrompt, workUnitID)
	ev.Command.Payload = map[string]any{"prompt": prompt}
	b.Publish(ev)
}

// PublishMetrics publishes a metrics event
func (b *Bus) PublishMetrics(m MetricsPayload) {
	b.Publish(NewMetrics(m))
}

// PublishProgress publishes a progress event for a named operation
func (b *Bus) PublishProgress(operation string, current, total int) {
	b.Publish(NewProgress(operation, current, total))
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
