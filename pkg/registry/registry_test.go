package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"streamgate/pkg/websocket"
)

// mockPeer is a Peer that records what it was sent.
type mockPeer struct {
	id   string
	addr net.Addr

	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closed     websocket.CloseCode
	terminated websocket.CloseCode

	done     chan struct{}
	doneOnce sync.Once
}

func newMockPeer(id, ip string) *mockPeer {
	return &mockPeer{
		id:   id,
		addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000},
		done: make(chan struct{}),
	}
}

func (m *mockPeer) ID() string            { return m.id }
func (m *mockPeer) RemoteAddr() net.Addr  { return m.addr }
func (m *mockPeer) Dropped() uint64       { return 0 }
func (m *mockPeer) Queued() int           { return m.frameCount() }
func (m *mockPeer) Done() <-chan struct{} { return m.done }

func (m *mockPeer) finish() { m.doneOnce.Do(func() { close(m.done) }) }

func (m *mockPeer) Publish(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return true
}

func (m *mockPeer) Ping([]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return nil
}

func (m *mockPeer) Close(code websocket.CloseCode, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = code
	return nil
}

func (m *mockPeer) Terminate(code websocket.CloseCode, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = code
	m.finish()
}

func (m *mockPeer) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// recordingObserver logs topic transitions.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) TopicActivated(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "+"+topic)
}

func (o *recordingObserver) TopicDeactivated(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "-"+topic)
}

func (o *recordingObserver) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func newTestRegistry(t *testing.T) *Registry {
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	return New(cfg)
}

func TestRegisterLimits(t *testing.T) {
	r := New(Config{MaxConnections: 3, MaxConnectionsPerIP: 2, Logger: zaptest.NewLogger(t)})

	tests := []struct {
		name    string
		peer    *mockPeer
		wantErr error
	}{
		{"first", newMockPeer("a", "10.0.0.1"), nil},
		{"second same ip", newMockPeer("b", "10.0.0.1"), nil},
		{"third same ip", newMockPeer("c", "10.0.0.1"), ErrConnectionLimit},
		{"duplicate id", newMockPeer("a", "10.0.0.2"), ErrDuplicateID},
		{"other ip", newMockPeer("d", "10.0.0.2"), nil},
		{"global limit", newMockPeer("e", "10.0.0.3"), ErrConnectionLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.peer); !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := r.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}

	r.Unregister("a")
	if err := r.Register(newMockPeer("c", "10.0.0.1")); err != nil {
		t.Errorf("Register() after Unregister error = %v", err)
	}

	stats := r.Stats()
	if stats.TotalAccepted != 4 || stats.TotalRejected != 3 || stats.TotalClosed != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.ConnectionsPerIP["10.0.0.1"] != 2 {
		t.Errorf("ConnectionsPerIP[10.0.0.1] = %d, want 2", stats.ConnectionsPerIP["10.0.0.1"])
	}
}

func TestTopicIsolation(t *testing.T) {
	r := newTestRegistry(t)
	a := newMockPeer("a", "10.0.0.1")
	b := newMockPeer("b", "10.0.0.2")
	for _, p := range []*mockPeer{a, b} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	mustSubscribe(t, r, "a", "network_metrics")
	mustSubscribe(t, r, "b", "peers")

	if n := r.Broadcast("network_metrics", []byte(`{"type":"network_metrics","data":{}}`)); n != 1 {
		t.Errorf("Broadcast() = %d, want 1", n)
	}
	if a.frameCount() != 1 || b.frameCount() != 0 {
		t.Errorf("frames a=%d b=%d, want 1/0", a.frameCount(), b.frameCount())
	}

	// The broadcast is one unmasked text frame.
	f, _, err := websocket.NewDecoder(websocket.RoleClient, 0).Decode(a.frames[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Opcode != websocket.OpcodeText || string(f.Payload) != `{"type":"network_metrics","data":{}}` {
		t.Errorf("frame = %v %q", f.Opcode, f.Payload)
	}

	if n := r.Broadcast("receipts", []byte(`{}`)); n != 0 {
		t.Errorf("Broadcast() to topic without subscribers = %d, want 0", n)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	_ = r.Register(newMockPeer("a", "10.0.0.1"))

	added, err := r.Subscribe("a", "peers")
	if err != nil || !added {
		t.Fatalf("Subscribe() = %v, %v, want true, nil", added, err)
	}
	if added, _ := r.Subscribe("a", "peers"); added {
		t.Error("second Subscribe() = true, want false")
	}
	if removed, _ := r.Unsubscribe("a", "receipts"); removed {
		t.Error("Unsubscribe() of unknown topic = true, want false")
	}
	if _, err := r.Subscribe("missing", "peers"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Subscribe() error = %v, want ErrUnknownConnection", err)
	}

	if got := r.Topics("a"); !reflect.DeepEqual(got, []string{"peers"}) {
		t.Errorf("Topics() = %v, want [peers]", got)
	}
}

func TestObserverTransitions(t *testing.T) {
	r := newTestRegistry(t)
	obs := &recordingObserver{}
	r.SetObserver(obs)

	for _, id := range []string{"a", "b"} {
		_ = r.Register(newMockPeer(id, "10.0.0.1"))
	}

	mustSubscribe(t, r, "a", "peers")
	mustSubscribe(t, r, "b", "peers")
	mustSubscribe(t, r, "b", "receipts")
	if _, err := r.Unsubscribe("a", "peers"); err != nil {
		t.Fatal(err)
	}
	r.Unregister("b")

	want := []string{"+peers", "+receipts", "-peers", "-receipts"}
	got := obs.list()
	// The two deactivations from Unregister happen in map order.
	if len(got) != 4 || !reflect.DeepEqual(got[:2], want[:2]) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	rest := map[string]bool{got[2]: true, got[3]: true}
	if !rest["-peers"] || !rest["-receipts"] {
		t.Errorf("events = %v, want %v", got, want)
	}

	if topics := r.ActiveTopics(); len(topics) != 0 {
		t.Errorf("ActiveTopics() = %v, want none", topics)
	}
}

func TestHeartbeatPurge(t *testing.T) {
	r := newTestRegistry(t)
	obs := &recordingObserver{}
	r.SetObserver(obs)

	silent := newMockPeer("silent", "10.0.0.1")
	alive := newMockPeer("alive", "10.0.0.2")
	_ = r.Register(silent)
	_ = r.Register(alive)
	mustSubscribe(t, r, "silent", "peers")
	mustSubscribe(t, r, "alive", "receipts")

	// Three pings go unanswered.
	for i := 0; i < 3; i++ {
		if purged := r.HeartbeatSweep(); len(purged) != 0 {
			t.Fatalf("sweep %d purged %v", i+1, purged)
		}
		r.Pong("alive")
	}

	purged := r.HeartbeatSweep()
	if !reflect.DeepEqual(purged, []string{"silent"}) {
		t.Fatalf("HeartbeatSweep() = %v, want [silent]", purged)
	}

	if silent.terminated != websocket.CloseAbnormal {
		t.Errorf("terminated with %d, want %d", silent.terminated, websocket.CloseAbnormal)
	}
	if silent.pings != 3 {
		t.Errorf("silent pings = %d, want 3", silent.pings)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if subs := r.Subscribers("peers"); len(subs) != 0 {
		t.Errorf("Subscribers(peers) = %v, want none", subs)
	}
	if n := r.Broadcast("peers", []byte(`{}`)); n != 0 {
		t.Errorf("Broadcast() after purge = %d, want 0", n)
	}
	if r.Stats().HeartbeatTimeouts != 1 {
		t.Errorf("HeartbeatTimeouts = %d, want 1", r.Stats().HeartbeatTimeouts)
	}

	events := obs.list()
	if events[len(events)-1] != "-peers" {
		t.Errorf("last event = %s, want -peers", events[len(events)-1])
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t)
	a := newMockPeer("a", "10.0.0.1")
	b := newMockPeer("b", "10.0.0.2")
	_ = r.Register(a)
	_ = r.Register(b)

	r.CloseAll(websocket.CloseGoingAway, "shutdown")

	if a.closed != websocket.CloseGoingAway || b.closed != websocket.CloseGoingAway {
		t.Errorf("closed codes = %d/%d, want 1001", a.closed, b.closed)
	}
}

func TestDrain(t *testing.T) {
	r := newTestRegistry(t)
	a := newMockPeer("a", "10.0.0.1")
	b := newMockPeer("b", "10.0.0.2")
	_ = r.Register(a)
	_ = r.Register(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() with open connections error = %v, want deadline exceeded", err)
	}

	a.Terminate(websocket.CloseAbnormal, "")
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Terminate(websocket.CloseAbnormal, "")
	}()

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Errorf("Drain() error = %v, want nil", err)
	}
}

func TestConnectionInfo(t *testing.T) {
	r := newTestRegistry(t)
	p := newMockPeer("a", "10.0.0.7")
	_ = r.Register(p)
	mustSubscribe(t, r, "a", "receipts")
	mustSubscribe(t, r, "a", "peers")

	r.HeartbeatSweep()
	r.Broadcast("peers", []byte(`{}`))

	info, ok := r.Connection("a")
	if !ok {
		t.Fatal("Connection() ok = false")
	}
	if info.RemoteIP != "10.0.0.7" || info.MissedPongs != 1 || info.Queued != 1 {
		t.Errorf("Connection() = %+v", info)
	}
	if !reflect.DeepEqual(info.Topics, []string{"peers", "receipts"}) {
		t.Errorf("Topics = %v, want [peers receipts]", info.Topics)
	}

	r.Pong("a")
	after, _ := r.Connection("a")
	if after.MissedPongs != 0 || after.LastPong.Before(info.LastPong) {
		t.Errorf("after Pong() = %+v", after)
	}

	if _, ok := r.Connection("missing"); ok {
		t.Error("Connection(missing) ok = true")
	}
}

// TestStalledSubscriber checks that a subscriber that never reads does not
// delay delivery to another subscriber of the same topic.
func TestStalledSubscriber(t *testing.T) {
	r := newTestRegistry(t)

	stalled, stalledClient := pipeConn(t, "stalled")
	healthy, healthyClient := pipeConn(t, "healthy")
	for _, c := range []*websocket.Conn{stalled, healthy} {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		mustSubscribe(t, r, c.ID(), "network_metrics")
	}
	_ = stalledClient

	received := make(chan string, 128)
	go func() {
		fr := websocket.NewFrameReader(healthyClient, websocket.RoleClient, 0)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				close(received)
				return
			}
			received <- string(f.Payload)
		}
	}()

	const updates = 100
	start := time.Now()
	for i := 0; i < updates; i++ {
		if n := r.Broadcast("network_metrics", []byte(fmt.Sprintf("update-%d", i))); n != 2 {
			t.Fatalf("Broadcast() = %d, want 2", n)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("broadcasting took %v", elapsed)
	}

	last := fmt.Sprintf("update-%d", updates-1)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-received:
			if !ok {
				t.Fatal("healthy connection closed")
			}
			if p == last {
				if stalled.Dropped() == 0 {
					t.Error("stalled subscriber dropped nothing")
				}
				return
			}
		case <-timeout:
			t.Fatalf("healthy subscriber did not receive %s", last)
		}
	}
}

func mustSubscribe(t *testing.T, r *Registry, id, topic string) {
	t.Helper()
	if _, err := r.Subscribe(id, topic); err != nil {
		t.Fatalf("Subscribe(%s, %s) error = %v", id, topic, err)
	}
}

// pipeConn negotiates a server connection over net.Pipe and returns it with
// the raw client end.
func pipeConn(t *testing.T, id string) (*websocket.Conn, net.Conn) {
	t.Helper()

	sc, cc := net.Pipe()
	n := websocket.NewNegotiator()
	n.HandshakeTimeout = time.Second

	ch := make(chan *websocket.Conn, 1)
	go func() {
		c, err := n.Negotiate(sc, id)
		if err != nil {
			t.Errorf("Negotiate() error = %v", err)
		}
		ch <- c
	}()

	req := "GET /ws HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	if _, err := io.WriteString(cc, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(cc), nil)
	if err != nil || resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake response = %v, %v", resp, err)
	}

	c := <-ch
	if c == nil {
		t.FailNow()
	}
	t.Cleanup(func() {
		c.Terminate(websocket.CloseAbnormal, "")
		cc.Close()
	})
	return c, cc
}
