package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/taskstore"
)

// Status is the lifecycle state shared by every task kind. Phases are
// machine specific and live beside it.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusIdle       Status = "IDLE"
	StatusExecuting  Status = "EXECUTING"
	StatusPaused     Status = "PAUSED"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
	StatusCompleted  Status = "COMPLETED"
)

// Terminal reports whether no further tick may mutate the task.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCancelled || s == StatusCompleted
}

type ErrorInfo struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// TaskContext is the state every task kind carries.
type TaskContext struct {
	TaskID    string            `json:"task_id"`
	Status    Status            `json:"status"`
	LastError *ErrorInfo        `json:"last_error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func newTaskContext(now time.Time, metadata map[string]string) TaskContext {
	return TaskContext{
		TaskID:    NewTaskID(),
		Status:    StatusNotStarted,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTaskID returns an id of the form task_<12 hex>.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// StepResult tells the scheduler what a tick did.
type StepResult struct {
	// Changed is set when the context was mutated and must be persisted.
	Changed bool
	// Immediate asks for the next tick without waiting for the interval.
	Immediate bool
}

// StateMachine drives one task. Step, Snapshot and the getters are called
// from a single goroutine; the Request* methods may be called from any.
type StateMachine interface {
	TaskID() string
	Kind() string
	Status() Status
	Phase() string
	LastError() *ErrorInfo
	Step(ctx context.Context) StepResult
	Snapshot() (taskstore.Record, error)
	RequestCancel()
	RequestPause()
	RequestResume()
	// Fail seals the task as ERROR after a failure outside its own
	// transitions, such as a panic during Step.
	Fail(ctx context.Context, err error)
	Close()
}

// Resolver maps exchange names to shared adapters.
type Resolver interface {
	Get(name string) (exchange.Exchange, error)
}

// Env carries the collaborators machines need; it is never persisted.
type Env struct {
	Exchanges Resolver
	Now       func() time.Time
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// inbox buffers order updates and control requests arriving from other
// goroutines until the next tick drains them.
type inbox struct {
	mu      sync.Mutex
	updates []core.OrderUpdate
	cancel  bool
	pause   bool
	resume  bool
}

func (b *inbox) push(u core.OrderUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
}

type control struct {
	cancel bool
	pause  bool
	resume bool
}

func (b *inbox) drain() ([]core.OrderUpdate, control) {
	b.mu.Lock()
	defer b.mu.Unlock()
	updates := b.updates
	b.updates = nil
	c := control{cancel: b.cancel, pause: b.pause, resume: b.resume}
	b.pause, b.resume = false, false
	return updates, c
}

func (b *inbox) requestCancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = true
}

func (b *inbox) requestPause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pause, b.resume = true, false
}

func (b *inbox) requestResume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resume, b.pause = true, false
}

// subscriptions tracks adapter subscriptions by exchange name.
type subscriptions struct {
	unsub map[string]func()
}

func (s *subscriptions) ensure(ex exchange.Exchange, name, symbol string, fn func(core.OrderUpdate)) error {
	if s.unsub == nil {
		s.unsub = make(map[string]func())
	}
	if _, ok := s.unsub[name]; ok {
		return nil
	}
	unsub, err := ex.SubscribeOrders(symbol, fn)
	if err != nil {
		return err
	}
	s.unsub[name] = unsub
	return nil
}

func (s *subscriptions) close() {
	for name, fn := range s.unsub {
		if fn != nil {
			fn()
		}
		delete(s.unsub, name)
	}
}
