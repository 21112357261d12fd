// Package status keeps the bounded, newest-first feed of user-visible status
// events that every photosync component writes to.
package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of events retained by a Log.
const DefaultCapacity = 10

// Severity classifies a status event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Event is a single immutable status entry.
type Event struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a bounded event buffer safe for concurrent appenders. Readers get
// an immutable snapshot that is swapped on every append.
type Log struct {
	capacity int
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	events  atomic.Pointer[[]Event]
	subs    map[int]chan Event
	nextSub int
	now     func() time.Time
}

// NewLog creates a Log that retains at most capacity events. Non-positive
// capacities fall back to DefaultCapacity.
func NewLog(capacity int, logger *zap.SugaredLogger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	l := &Log{
		capacity: capacity,
		logger:   logger,
		subs:     make(map[int]chan Event),
		now:      time.Now,
	}
	empty := []Event{}
	l.events.Store(&empty)
	return l
}

// Append records a new event at the head of the log, evicting the oldest
// entry when the log is full.
func (l *Log) Append(message string, severity Severity) {
	l.mu.Lock()
	ev := Event{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		Timestamp: l.now(),
	}

	prev := *l.events.Load()
	n := len(prev) + 1
	if n > l.capacity {
		n = l.capacity
	}
	next := make([]Event, n)
	next[0] = ev
	copy(next[1:], prev)
	l.events.Store(&next)

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it will catch up from Snapshot.
		}
	}
	l.mu.Unlock()

	switch severity {
	case SeverityError:
		l.logger.Errorw(message, "source", "status")
	default:
		l.logger.Infow(message, "source", "status", "severity", string(severity))
	}
}

// Infof appends a formatted info event.
func (l *Log) Infof(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...), SeverityInfo)
}

// Successf appends a formatted success event.
func (l *Log) Successf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...), SeveritySuccess)
}

// Errorf appends a formatted error event.
func (l *Log) Errorf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...), SeverityError)
}

// Snapshot returns the retained events, newest first. The returned slice is
// never mutated by the Log.
func (l *Log) Snapshot() []Event {
	return *l.events.Load()
}

// Capacity returns the maximum number of retained events.
func (l *Log) Capacity() int {
	return l.capacity
}

// Subscribe registers an observer that receives every subsequent event.
// Events are dropped for the subscriber while its buffer is full. The
// returned cancel function closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = l.capacity
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
