package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives events worth a human's attention: terminal task
// transitions, persistence failures, breaker trips.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultSendTimeout        = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	SendTimeout        time.Duration
	Now                func() time.Time
}

// Manager delivers alerts from a bounded queue on its own goroutine so that
// callers on the tick path never wait on the network. Events that do not fit
// the queue are dropped and counted.
type Manager struct {
	instance    string
	notifier    Notifier
	now         func() time.Time
	sendTimeout time.Duration

	queue       chan event
	stop        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	drops       dropCounter
	reportEvery time.Duration

	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

type dropCounter struct {
	total  atomic.Uint64
	window atomic.Uint64
}

func NewManager(instance string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &Manager{
		instance:    instance,
		notifier:    notifier,
		now:         opts.Now,
		sendTimeout: opts.SendTimeout,
		queue:       make(chan event, opts.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		reportEvery: opts.DropReportInterval,
	}
	m.wg.Add(1)
	go m.deliver()
	if m.reportEvery > 0 {
		m.wg.Add(1)
		go m.reportDrops()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: m.now()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.drops.total.Add(1)
		if m.drops.window.Add(1) == 1 {
			log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d queue_cap=%d", name, total, cap(m.queue))
		}
	}
}

// Close stops intake and flushes what is queued, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deliver() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.flushDropReport()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDrops() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flushDropReport()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) flushDropReport() {
	dropped := m.drops.window.Swap(0)
	if dropped == 0 {
		return
	}
	log.Printf("level=WARN event=alert_dropped_report dropped_since_last=%d dropped_total=%d", dropped, m.drops.total.Load())
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err)
	}
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[arbexec] " + ev.name,
		"time: " + ev.at.Format(time.RFC3339),
		"instance: " + m.instance,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
