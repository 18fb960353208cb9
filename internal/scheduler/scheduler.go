package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cron "github.com/netresearch/go-cron"

	"arb-executor/internal/alert"
	"arb-executor/internal/execution"
	"arb-executor/internal/taskstore"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already registered")
	ErrRunning       = errors.New("scheduler already running")
)

// maxImmediateTicks bounds back-to-back ticks a machine may request before
// the scheduler waits a full interval.
const maxImmediateTicks = 8

// Decoder rebuilds a state machine from its persisted record.
type Decoder func(rec taskstore.Record) (execution.StateMachine, error)

type Options struct {
	DefaultInterval time.Duration
	// TickTimeout bounds one tick. Ticks run detached from Stop so that an
	// exchange call is never abandoned halfway.
	TickTimeout time.Duration
	// CleanupCron schedules CleanupPersistence; empty disables the job.
	CleanupCron   string
	CleanupMaxAge time.Duration
	Alerter       alert.Alerter
	Now           func() time.Time
}

type TaskOption func(*task)

// WithInterval overrides the default tick interval for one task.
func WithInterval(d time.Duration) TaskOption {
	return func(t *task) {
		if d > 0 {
			t.interval = d
		}
	}
}

type TaskStatus struct {
	TaskID       string               `json:"task_id"`
	Kind         string               `json:"kind"`
	Status       execution.Status     `json:"status"`
	Phase        string               `json:"phase"`
	NextTickAt   *time.Time           `json:"next_tick_at,omitempty"`
	Executions   uint64               `json:"executions"`
	LastError    *execution.ErrorInfo `json:"last_error,omitempty"`
	Persisted    bool                 `json:"persisted"`
	Finalized    bool                 `json:"finalized"`
	PersistError string               `json:"persist_error,omitempty"`
}

type Status struct {
	Running         bool                  `json:"running"`
	ActiveTasks     int                   `json:"active_tasks"`
	TotalExecutions uint64                `json:"total_executions"`
	Tasks           map[string]TaskStatus `json:"tasks"`
}

// TaskManager runs every registered state machine on its own goroutine.
// Ticks of one task never overlap; ticks of different tasks run concurrently.
type TaskManager struct {
	store    taskstore.Store
	opts     Options
	decoders map[string]Decoder

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron

	totalExecutions atomic.Uint64
}

type task struct {
	m        execution.StateMachine
	interval time.Duration
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool

	// Written by the task goroutine, read by Status.
	mu         sync.Mutex
	view       TaskStatus
	persisted  bool
	finalized  bool
	persistErr string
}

func New(store taskstore.Store, opts Options) *TaskManager {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Second
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TaskManager{
		store:    store,
		opts:     opts,
		decoders: make(map[string]Decoder),
		tasks:    make(map[string]*task),
	}
}

// RegisterDecoder maps a persisted context_type_tag to its decoder.
func (tm *TaskManager) RegisterDecoder(contextType string, d Decoder) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.decoders[contextType] = d
}

// AddTask persists the machine's current context and schedules it. When
// the scheduler is not running yet the task starts with Start.
func (tm *TaskManager) AddTask(ctx context.Context, m execution.StateMachine, opts ...TaskOption) (string, error) {
	t := tm.newTask(m, opts...)
	tm.mu.Lock()
	if _, ok := tm.tasks[m.TaskID()]; ok {
		tm.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, m.TaskID())
	}
	tm.mu.Unlock()

	if err := tm.persist(ctx, t); err != nil {
		return "", err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.tasks[m.TaskID()]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, m.TaskID())
	}
	tm.tasks[m.TaskID()] = t
	if tm.running {
		tm.launchLocked(t)
	}
	log.Printf("level=INFO event=task_added task_id=%q kind=%s status=%s interval=%s", m.TaskID(), m.Kind(), m.Status(), t.interval)
	return m.TaskID(), nil
}

// RemoveTask stops scheduling the task and waits for its in-flight tick.
// Open orders are left as they are.
func (tm *TaskManager) RemoveTask(id string) bool {
	tm.mu.Lock()
	t, ok := tm.tasks[id]
	if ok {
		delete(tm.tasks, id)
	}
	tm.mu.Unlock()
	if !ok {
		return false
	}
	tm.mu.Lock()
	started, done := t.started, t.done
	tm.mu.Unlock()
	close(t.stop)
	if started {
		<-done
	}
	t.m.Close()
	log.Printf("level=INFO event=task_removed task_id=%q", id)
	return true
}

// Start optionally recovers the active bucket, then schedules every task.
func (tm *TaskManager) Start(ctx context.Context, recoverTasks bool) error {
	tm.mu.Lock()
	if tm.running {
		tm.mu.Unlock()
		return ErrRunning
	}
	tm.mu.Unlock()

	if recoverTasks {
		if err := tm.recover(ctx); err != nil {
			return err
		}
	}

	var job *cron.Cron
	if tm.opts.CleanupCron != "" {
		job = cron.New()
		maxAge := tm.opts.CleanupMaxAge
		if _, err := job.AddFunc(tm.opts.CleanupCron, func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := tm.CleanupPersistence(cleanupCtx, maxAge); err != nil {
				log.Printf("level=ERROR event=cleanup_failed err=%q", err.Error())
			}
		}); err != nil {
			return fmt.Errorf("cleanup cron %q: %w", tm.opts.CleanupCron, err)
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return ErrRunning
	}
	tm.runCtx, tm.stopRun = context.WithCancel(ctx)
	tm.running = true
	for _, t := range tm.tasks {
		tm.launchLocked(t)
	}
	if job != nil {
		job.Start()
		tm.cron = job
	}
	log.Printf("level=INFO event=scheduler_started tasks=%d recover=%t", len(tm.tasks), recoverTasks)
	return nil
}

func (tm *TaskManager) recover(ctx context.Context) error {
	records, err := tm.store.List(ctx, taskstore.BucketActive)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	recovered := 0
	for _, rec := range records {
		tm.mu.Lock()
		decode, ok := tm.decoders[rec.ContextType]
		_, exists := tm.tasks[rec.TaskID]
		tm.mu.Unlock()
		if exists {
			continue
		}
		if _, bucket, err := tm.store.Get(ctx, rec.TaskID); err != nil {
			log.Printf("level=ERROR event=task_recover_failed task_id=%q err=%q", rec.TaskID, err.Error())
			continue
		} else if bucket != taskstore.BucketActive {
			log.Printf("level=WARN event=task_recover_skipped task_id=%q bucket=%s", rec.TaskID, bucket)
			continue
		}
		if !ok {
			log.Printf("level=ERROR event=task_recover_failed task_id=%q context_type=%q err=%q", rec.TaskID, rec.ContextType, "no decoder")
			tm.alert("task_recover_failed", map[string]string{"task_id": rec.TaskID, "error": "no decoder for " + rec.ContextType})
			continue
		}
		m, err := decode(rec)
		if err != nil {
			log.Printf("level=ERROR event=task_recover_failed task_id=%q context_type=%q err=%q", rec.TaskID, rec.ContextType, err.Error())
			tm.alert("task_recover_failed", map[string]string{"task_id": rec.TaskID, "error": err.Error()})
			continue
		}
		t := tm.newTask(m)
		t.persisted = true
		t.view.Persisted = true
		tm.mu.Lock()
		tm.tasks[m.TaskID()] = t
		tm.mu.Unlock()
		recovered++
		log.Printf("level=INFO event=task_recovered task_id=%q kind=%s status=%s phase=%s", m.TaskID(), m.Kind(), m.Status(), m.Phase())
	}
	log.Printf("level=INFO event=recovery_done recovered=%d records=%d", recovered, len(records))
	return nil
}

// Stop asks every task loop to exit and waits for in-flight ticks.
func (tm *TaskManager) Stop() {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return
	}
	tm.running = false
	tm.stopRun()
	job := tm.cron
	tm.cron = nil
	tm.mu.Unlock()

	if job != nil {
		<-job.Stop().Done()
	}
	tm.wg.Wait()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, t := range tm.tasks {
		t.started = false
		t.m.Close()
	}
	log.Printf("level=INFO event=scheduler_stopped tasks=%d executions=%d", len(tm.tasks), tm.totalExecutions.Load())
}

func (tm *TaskManager) Status() Status {
	tm.mu.Lock()
	tasks := make([]*task, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		tasks = append(tasks, t)
	}
	running := tm.running
	tm.mu.Unlock()

	out := Status{
		Running:         running,
		TotalExecutions: tm.totalExecutions.Load(),
		Tasks:           make(map[string]TaskStatus, len(tasks)),
	}
	for _, t := range tasks {
		view := t.snapshot()
		if !view.Status.Terminal() {
			out.ActiveTasks++
		}
		out.Tasks[view.TaskID] = view
	}
	return out
}

// TaskIDs returns the registered task ids in sorted order.
func (tm *TaskManager) TaskIDs() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	ids := make([]string, 0, len(tm.tasks))
	for id := range tm.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupPersistence purges completed and errored records persisted more
// than maxAge ago.
func (tm *TaskManager) CleanupPersistence(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := tm.opts.Now().Add(-maxAge)
	total := 0
	var errs []error
	for _, bucket := range []taskstore.Bucket{taskstore.BucketCompleted, taskstore.BucketErrored} {
		n, err := tm.store.Purge(ctx, bucket, cutoff)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", bucket, err))
		}
	}
	log.Printf("level=INFO event=persistence_cleanup purged=%d cutoff=%s", total, cutoff.Format(time.RFC3339))
	return total, errors.Join(errs...)
}

func (tm *TaskManager) CancelTask(id string) error {
	return tm.control(id, execution.StateMachine.RequestCancel)
}

func (tm *TaskManager) PauseTask(id string) error {
	return tm.control(id, execution.StateMachine.RequestPause)
}

func (tm *TaskManager) ResumeTask(id string) error {
	return tm.control(id, execution.StateMachine.RequestResume)
}

func (tm *TaskManager) control(id string, request func(execution.StateMachine)) error {
	tm.mu.Lock()
	t, ok := tm.tasks[id]
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	request(t.m)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (tm *TaskManager) newTask(m execution.StateMachine, opts ...TaskOption) *task {
	t := &task{
		m:        m,
		interval: tm.opts.DefaultInterval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.view = TaskStatus{
		TaskID:    m.TaskID(),
		Kind:      m.Kind(),
		Status:    m.Status(),
		Phase:     m.Phase(),
		LastError: m.LastError(),
	}
	return t
}

func (tm *TaskManager) launchLocked(t *task) {
	if t.started {
		return
	}
	t.started = true
	t.done = make(chan struct{})
	tm.wg.Add(1)
	go tm.loop(tm.runCtx, t)
}

func (tm *TaskManager) loop(ctx context.Context, t *task) {
	defer tm.wg.Done()
	defer close(t.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	immediate := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		res, sealed := tm.tick(t)
		if sealed {
			t.setNext(nil)
			return
		}
		delay := t.interval
		if res.Immediate && immediate < maxImmediateTicks {
			immediate++
			delay = 0
		} else {
			immediate = 0
		}
		next := tm.opts.Now().Add(delay)
		t.setNext(&next)
		timer.Reset(delay)
	}
}

// tick runs one Step and persists the result. It reports true once the
// task is terminal and sealed in its final bucket.
func (tm *TaskManager) tick(t *task) (execution.StepResult, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(tm.runCtx), tm.opts.TickTimeout)
	defer cancel()

	res, err := safeStep(ctx, t.m)
	if err != nil {
		log.Printf("level=ERROR event=task_panic task_id=%q err=%q", t.m.TaskID(), err.Error())
		if ferr := safeFail(ctx, t.m, err); ferr != nil {
			log.Printf("level=ERROR event=task_fail_panic task_id=%q err=%q", t.m.TaskID(), ferr.Error())
		}
		res = execution.StepResult{Changed: true}
	}
	tm.totalExecutions.Add(1)

	t.mu.Lock()
	t.view.Executions++
	needsWrite := res.Changed || !t.persisted || (t.m.Status().Terminal() && !t.finalized)
	t.mu.Unlock()

	if needsWrite {
		if err := tm.persist(ctx, t); err != nil {
			t.refresh()
			return res, errors.Is(err, taskstore.ErrSealed)
		}
	}
	t.refresh()

	t.mu.Lock()
	sealed := t.finalized
	t.mu.Unlock()
	return res, sealed
}

// persist writes the machine's snapshot: terminal tasks are finalized into
// their bucket, everything else is upserted into active.
func (tm *TaskManager) persist(ctx context.Context, t *task) error {
	rec, err := t.m.Snapshot()
	if err == nil {
		status := t.m.Status()
		if status.Terminal() {
			bucket := taskstore.BucketCompleted
			if status == execution.StatusError {
				bucket = taskstore.BucketErrored
			}
			err = tm.store.Finalize(ctx, rec, bucket)
			if errors.Is(err, taskstore.ErrSealed) {
				err = nil
			}
			if err == nil {
				tm.finalized(t, bucket)
			}
		} else {
			err = tm.store.Upsert(ctx, rec)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		first := t.persistErr == ""
		t.persisted = false
		t.persistErr = err.Error()
		if errors.Is(err, taskstore.ErrSealed) {
			// Sealed by an earlier run: the task must not act again.
			t.finalized = true
		}
		log.Printf("level=ERROR event=persist_failed task_id=%q err=%q", t.m.TaskID(), err.Error())
		if first {
			tm.alert("task_persist_failed", map[string]string{"task_id": t.m.TaskID(), "error": err.Error()})
		}
		return err
	}
	if t.persistErr != "" {
		log.Printf("level=INFO event=persist_recovered task_id=%q", t.m.TaskID())
	}
	t.persisted = true
	t.persistErr = ""
	return nil
}

func (tm *TaskManager) finalized(t *task, bucket taskstore.Bucket) {
	t.mu.Lock()
	already := t.finalized
	t.finalized = true
	t.mu.Unlock()
	if already {
		return
	}
	fields := map[string]string{
		"task_id": t.m.TaskID(),
		"kind":    t.m.Kind(),
		"status":  string(t.m.Status()),
		"bucket":  string(bucket),
	}
	if info := t.m.LastError(); info != nil && t.m.Status() == execution.StatusError {
		fields["error_kind"] = string(info.Kind)
		fields["error"] = info.Message
	}
	log.Printf("level=INFO event=task_finalized task_id=%q status=%s bucket=%s", t.m.TaskID(), t.m.Status(), bucket)
	tm.alert("task_"+strings.ToLower(string(t.m.Status())), fields)
}

func (tm *TaskManager) alert(event string, fields map[string]string) {
	if tm.opts.Alerter == nil {
		return
	}
	tm.opts.Alerter.Important(event, fields)
}

func (t *task) refresh() {
	status := t.m.Status()
	phase := t.m.Phase()
	lastErr := t.m.LastError()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.Status = status
	t.view.Phase = phase
	t.view.LastError = lastErr
}

func (t *task) setNext(at *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.NextTickAt = at
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	view := t.view
	view.Persisted = t.persisted
	view.Finalized = t.finalized
	view.PersistError = t.persistErr
	if view.LastError != nil {
		info := *view.LastError
		view.LastError = &info
	}
	return view
}

func safeStep(ctx context.Context, m execution.StateMachine) (res execution.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=ERROR event=task_panic_stack task_id=%q stack=%q", m.TaskID(), debug.Stack())
			err = fmt.Errorf("panic in tick: %v", r)
		}
	}()
	return m.Step(ctx), nil
}

func safeFail(ctx context.Context, m execution.StateMachine, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in fail: %v", r)
		}
	}()
	m.Fail(ctx, cause)
	return nil
}
