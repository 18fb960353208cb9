package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerFlushesOnCloseAndFormatsFields(t *testing.T) {
	spy := &notifierSpy{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager("desk-1", spy, ManagerOptions{Now: func() time.Time { return at }})
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("task_errored", map[string]string{"task_id": "task_1", "kind": "iceberg"})
	m.Important("task_completed", nil)
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified = %d, want 2", len(msgs))
	}
	want := "[arbexec] task_errored\ntime: 2024-05-01T12:00:00Z\ninstance: desk-1\nkind: iceberg\ntask_id: task_1"
	if msgs[0] != want {
		t.Fatalf("message = %q, want %q", msgs[0], want)
	}

	m.Important("after_close", nil)
	if got := len(spy.messages()); got != 2 {
		t.Fatalf("notified after close = %d, want 2", got)
	}
}

func TestManagerNilNotifier(t *testing.T) {
	m := NewManager("x", nil, ManagerOptions{})
	if m != nil {
		t.Fatalf("NewManager(nil) = %v, want nil", m)
	}
	m.Important("ignored", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager("x", spy, ManagerOptions{QueueSize: 1})

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		m.Important("queue_fill", nil)
		for i := 0; i < 10; i++ {
			m.Important("spam", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Important() blocked on a full queue")
	}

	if total, window := m.drops.total.Load(), m.drops.window.Load(); total != 10 || window != 10 {
		t.Fatalf("drops = %d/%d, want 10/10", total, window)
	}
	close(block)
	closeManager(t, m)
}

func TestManagerPeriodicDropReportResetsWindow(t *testing.T) {
	var logs syncBuffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&logs)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	}()

	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager("x", spy, ManagerOptions{QueueSize: 1, DropReportInterval: 20 * time.Millisecond})
	m.Important("seed", nil)
	<-spy.entered
	m.Important("queue_fill", nil)
	m.Important("spam", nil)
	m.Important("spam", nil)

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(logs.String(), "event=alert_dropped_report") {
		if time.Now().After(deadline) {
			t.Fatalf("missing drop report, logs: %s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if window := m.drops.window.Load(); window != 0 {
		t.Fatalf("drop window = %d, want 0 after report", window)
	}
	close(block)
	closeManager(t, m)
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(TelegramOptions{BotToken: "tok", ChatID: "42", BaseURL: srv.URL + "/", Silent: true})
	if err != nil {
		t.Fatalf("NewTelegramNotifier() error = %v", err)
	}
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if got.ChatID != "42" || got.Text != "hello" || !got.DisableNotification {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(TelegramOptions{BotToken: "tok", ChatID: "1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramNotifier() error = %v", err)
	}
	err = n.Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want api error", err)
	}
	if _, err := NewTelegramNotifier(TelegramOptions{ChatID: "1"}); err == nil {
		t.Fatalf("NewTelegramNotifier() without token error = nil")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
