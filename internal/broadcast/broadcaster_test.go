package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	fail      bool
	lastLimit int
}

func (f *fakeSource) ListDefinitions(context.Context) ([]models.RecurringJobDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("database is locked")
	}
	return []models.RecurringJobDefinition{{Action: "sendKPI", JobName: "Send KPI", State: models.JobIdle}}, nil
}

func (f *fakeSource) ListRecentEntries(_ context.Context, limit int) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return []models.QueueEntry{{ID: 7, Action: "sendKPI", Status: models.EntryPending}}, nil
}

func (f *fakeSource) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type chanSink struct {
	ch  chan Message
	err error
}

func (s *chanSink) Send(msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.ch <- msg
	return nil
}

func next(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
		return Message{}
	}
}

func TestSubscribeSendsConnectedThenSnapshots(t *testing.T) {
	src := &fakeSource{}
	b := New(src, 20*time.Millisecond, 50, logx.Nop())
	sink := &chanSink{ch: make(chan Message, 256)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, sink) }()

	if m := next(t, sink.ch); m.Type != TypeConnected {
		t.Fatalf("first message = %q", m.Type)
	}
	for round := 0; round < 2; round++ {
		m := next(t, sink.ch)
		if m.Type != TypeCronJobStatus || len(m.Jobs) != 1 || m.Jobs[0].Action != "sendKPI" {
			t.Fatalf("round %d cron message = %+v", round, m)
		}
		m = next(t, sink.ch)
		if m.Type != TypeJobQueueStatus || len(m.Job) != 1 || m.Job[0].ID != 7 {
			t.Fatalf("round %d queue message = %+v", round, m)
		}
	}
	src.mu.Lock()
	limit := src.lastLimit
	src.mu.Unlock()
	if limit != 50 {
		t.Fatalf("limit = %d", limit)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscribe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribe did not return after cancel")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscriber not deregistered")
	}
}

func TestSubscribeSkipsTickOnStoreError(t *testing.T) {
	src := &fakeSource{fail: true}
	b := New(src, 10*time.Millisecond, 5, logx.Nop())
	sink := &chanSink{ch: make(chan Message, 256)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Subscribe(ctx, sink) }()

	if m := next(t, sink.ch); m.Type != TypeConnected {
		t.Fatalf("first message = %q", m.Type)
	}
	select {
	case m := <-sink.ch:
		t.Fatalf("unexpected message while store fails: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	src.setFail(false)
	if m := next(t, sink.ch); m.Type != TypeCronJobStatus {
		t.Fatalf("expected snapshot after recovery, got %q", m.Type)
	}
}

func TestSubscribeEndsOnSinkError(t *testing.T) {
	b := New(&fakeSource{}, time.Hour, 50, logx.Nop())
	gone := errors.New("broken pipe")
	err := b.Subscribe(context.Background(), &chanSink{err: gone})
	if !errors.Is(err, gone) {
		t.Fatalf("err = %v", err)
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscriber leaked")
	}
}

func TestMessageJSONShape(t *testing.T) {
	cases := []struct {
		msg  Message
		want string
	}{
		{Message{Type: TypeConnected}, `{"type":"connected"}`},
		{Message{Type: TypeCronJobStatus}, `{"type":"cronJobStatus","jobs":[]}`},
		{Message{Type: TypeJobQueueStatus}, `{"type":"jobQueueStatus","job":[]}`},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(b) != tc.want {
			t.Fatalf("got %s want %s", b, tc.want)
		}
	}
}

func TestServeStreamNDJSON(t *testing.T) {
	b := New(&fakeSource{}, 20*time.Millisecond, 50, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(b.ServeStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	want := []string{TypeConnected, TypeCronJobStatus, TypeJobQueueStatus, TypeCronJobStatus}
	for i, typ := range want {
		if !sc.Scan() {
			t.Fatalf("line %d missing: %v", i, sc.Err())
		}
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if m.Type != typ {
			t.Fatalf("line %d type = %q want %q", i, m.Type, typ)
		}
	}
}

func TestWebSocketSubscription(t *testing.T) {
	b := New(&fakeSource{}, 20*time.Millisecond, 50, logx.Nop())
	srv := httptest.NewServer(NewWebSocket(b, []string{"https://ops.example.com"}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	for _, typ := range []string{TypeConnected, TypeCronJobStatus, TypeJobQueueStatus} {
		var m Message
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type != typ {
			t.Fatalf("type = %q want %q", m.Type, typ)
		}
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	b := New(&fakeSource{}, time.Hour, 50, logx.Nop())
	srv := httptest.NewServer(NewWebSocket(b, []string{"https://ops.example.com"}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": {"https://evil.example.net"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected handshake failure")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	header.Set("Origin", "https://ops.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
