package registry

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"streamgate/internal/logger"
	"streamgate/internal/metrics"
	"streamgate/pkg/websocket"
)

// Registry errors.
var (
	ErrConnectionLimit   = errors.New("connection limit reached")
	ErrDuplicateID       = errors.New("connection id already registered")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Peer is the registry's view of a connection. *websocket.Conn implements it.
type Peer interface {
	ID() string
	RemoteAddr() net.Addr
	// Publish queues an encoded broadcast frame without blocking.
	Publish(frame []byte) bool
	Ping(payload []byte) error
	Close(code websocket.CloseCode, reason string) error
	Terminate(code websocket.CloseCode, reason string)
	Dropped() uint64
	// Queued is the number of frames waiting to be written.
	Queued() int
	// Done is closed once the connection is fully closed.
	Done() <-chan struct{}
}

var _ Peer = (*websocket.Conn)(nil)

// TopicObserver is told when a topic gains its first subscriber or loses its
// last one. Calls are made synchronously while the registry lock is held, so
// implementations must not call back into the registry.
type TopicObserver interface {
	TopicActivated(topic string)
	TopicDeactivated(topic string)
}

// Config holds registry configuration.
type Config struct {
	// MaxConnections is the maximum number of connections.
	MaxConnections int
	// MaxConnectionsPerIP is the max connections per IP. Zero disables the check.
	MaxConnectionsPerIP int
	// HeartbeatInterval is how often every connection is pinged.
	HeartbeatInterval time.Duration
	// MaxMissedPongs is how many consecutive unanswered pings purge a connection.
	MaxMissedPongs int
	// Logger receives lifecycle events. Nil disables logging.
	Logger *zap.Logger
	// Metrics records connection counts. May be nil.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      10000,
		MaxConnectionsPerIP: 100,
		HeartbeatInterval:   15 * time.Second,
		MaxMissedPongs:      3,
	}
}

// entry is one registered connection.
type entry struct {
	peer   Peer
	ip     string
	topics   map[string]struct{}
	missed   int
	joined   time.Time
	lastPong time.Time
}

// Registry is the set of live connections and topic subscriptions. All
// mutations happen under one mutex; broadcasts work on a snapshot taken
// under it and publish outside it.
type Registry struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*entry
	topics   map[string]map[string]struct{}
	perIP    map[string]int
	observer TopicObserver

	acceptedCount atomic.Uint64
	rejectedCount atomic.Uint64
	closedCount   atomic.Uint64
	timeoutCount  atomic.Uint64
}

// New creates a registry.
func New(cfg Config) *Registry {
	d := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = d.MaxMissedPongs
	}

	return &Registry{
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger).Named("registry"),
		metrics: cfg.Metrics,
		conns:   make(map[string]*entry),
		topics:  make(map[string]map[string]struct{}),
		perIP:   make(map[string]int),
	}
}

// SetObserver installs the topic observer. It must be called before any
// connection subscribes.
func (r *Registry) SetObserver(o TopicObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register admits a connection.
func (r *Registry) Register(p Peer) error {
	ip := peerIP(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[p.ID()]; ok {
		r.rejectedCount.Add(1)
		return ErrDuplicateID
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		r.rejectedCount.Add(1)
		return ErrConnectionLimit
	}
	if r.cfg.MaxConnectionsPerIP > 0 && r.perIP[ip] >= r.cfg.MaxConnectionsPerIP {
		r.rejectedCount.Add(1)
		return ErrConnectionLimit
	}

	now := time.Now()
	r.conns[p.ID()] = &entry{
		peer:     p,
		ip:       ip,
		topics:   make(map[string]struct{}),
		joined:   now,
		lastPong: now,
	}
	r.perIP[ip]++
	r.acceptedCount.Add(1)
	r.metrics.ConnectionOpened()

	r.log.Debug("connection registered",
		zap.String("connection_id", p.ID()),
		zap.String("remote_ip", ip))
	return nil
}

// Unregister removes a connection from the registry and from every topic it
// was subscribed to. It reports whether the connection was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return false
	}
	r.removeLocked(id, e)

	r.log.Debug("connection unregistered",
		zap.String("connection_id", id),
		zap.Duration("duration", time.Since(e.joined)))
	return true
}

// removeLocked drops e from every index. Caller holds r.mu.
func (r *Registry) removeLocked(id string, e *entry) {
	for topic := range e.topics {
		r.dropSubscriberLocked(topic, id)
	}
	delete(r.conns, id)

	if n := r.perIP[e.ip]; n <= 1 {
		delete(r.perIP, e.ip)
	} else {
		r.perIP[e.ip] = n - 1
	}

	r.closedCount.Add(1)
	r.metrics.ConnectionClosed()
}

// Subscribe adds topic to a connection's subscriptions. It reports whether the
// subscription is new; subscribing twice is a no-op.
func (r *Registry) Subscribe(id, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := e.topics[topic]; ok {
		return false, nil
	}

	e.topics[topic] = struct{}{}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[id] = struct{}{}

	if len(subs) == 1 && r.observer != nil {
		r.observer.TopicActivated(topic)
	}

	r.log.Debug("subscribed",
		zap.String("connection_id", id),
		zap.String("topic", topic))
	return true, nil
}

// Unsubscribe removes topic from a connection's subscriptions. It reports
// whether the connection was subscribed.
func (r *Registry) Unsubscribe(id, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := e.topics[topic]; !ok {
		return false, nil
	}

	delete(e.topics, topic)
	r.dropSubscriberLocked(topic, id)

	r.log.Debug("unsubscribed",
		zap.String("connection_id", id),
		zap.String("topic", topic))
	return true, nil
}

// dropSubscriberLocked removes id from topic's set and notifies the observer
// when the set empties. Caller holds r.mu.
func (r *Registry) dropSubscriberLocked(topic, id string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) > 0 {
		return
	}
	delete(r.topics, topic)
	if r.observer != nil {
		r.observer.TopicDeactivated(topic)
	}
}

// Broadcast sends payload as a text message to every subscriber of topic.
// The frame is encoded once and queued on each connection without blocking,
// so a slow subscriber never delays the others. It returns the number of
// connections the frame was queued for.
func (r *Registry) Broadcast(topic string, payload []byte) int {
	r.mu.Lock()
	subs := r.topics[topic]
	peers := make([]Peer, 0, len(subs))
	for id := range subs {
		if e, ok := r.conns[id]; ok {
			peers = append(peers, e.peer)
		}
	}
	r.mu.Unlock()

	if len(peers) == 0 {
		return 0
	}

	frame := websocket.EncodeFrame(websocket.OpcodeText, payload, false)

	delivered := 0
	for _, p := range peers {
		before := p.Dropped()
		if p.Publish(frame) {
			delivered++
		}
		if after := p.Dropped(); after > before {
			r.metrics.FramesDropped(after - before)
		}
	}

	r.metrics.Broadcast(topic, delivered)
	return delivered
}

// Pong records a heartbeat answer from a connection.
func (r *Registry) Pong(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[id]; ok {
		e.missed = 0
		e.lastPong = time.Now()
	}
}

// HeartbeatSweep pings every connection. A connection whose last
// MaxMissedPongs pings all went unanswered is removed from the registry and
// every topic set in the same critical section, then force-closed without a
// close frame. It returns the ids of purged connections.
func (r *Registry) HeartbeatSweep() []string {
	var (
		purged []Peer
		ping   []Peer
	)

	r.mu.Lock()
	for id, e := range r.conns {
		if e.missed >= r.cfg.MaxMissedPongs {
			r.removeLocked(id, e)
			purged = append(purged, e.peer)
			continue
		}
		e.missed++
		ping = append(ping, e.peer)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(purged))
	for _, p := range purged {
		r.timeoutCount.Add(1)
		r.metrics.HeartbeatTimeout()
		r.log.Info("heartbeat timeout",
			zap.String("connection_id", p.ID()),
			zap.Int("missed_pongs", r.cfg.MaxMissedPongs))
		p.Terminate(websocket.CloseAbnormal, "heartbeat timeout")
		ids = append(ids, p.ID())
	}

	for _, p := range ping {
		if err := p.Ping(nil); err != nil {
			r.log.Debug("ping failed",
				zap.String("connection_id", p.ID()),
				zap.Error(err))
		}
	}

	return ids
}

// Run sweeps heartbeats every HeartbeatInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.HeartbeatSweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// CloseAll starts a close handshake on every connection.
func (r *Registry) CloseAll(code websocket.CloseCode, reason string) {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.conns))
	for _, e := range r.conns {
		peers = append(peers, e.peer)
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.Close(code, reason); err != nil {
			p.Terminate(websocket.CloseAbnormal, "")
		}
	}
}

// Drain waits until every connection registered at the time of the call is
// fully closed, or ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.conns))
	for _, e := range r.conns {
		peers = append(peers, e.peer)
	}
	r.mu.Unlock()

	for _, p := range peers {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Subscribers returns the sorted ids subscribed to topic.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.topics[topic])
}

// SubscriberCount returns the number of subscribers of topic.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns the sorted topics a connection is subscribed to.
func (r *Registry) Topics(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	return sortedKeys(e.topics)
}

// ActiveTopics returns the sorted topics with at least one subscriber.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	RemoteIP    string    `json:"remote_ip"`
	Topics      []string  `json:"topics"`
	ConnectedAt time.Time `json:"connected_at"`
	// LastPong is the last heartbeat answer, or ConnectedAt if none yet.
	LastPong    time.Time `json:"last_pong"`
	MissedPongs int       `json:"missed_pongs"`
	Queued      int       `json:"queued"`
	Dropped     uint64    `json:"dropped"`
}

// Connection returns a snapshot of the connection with the given id.
func (r *Registry) Connection(id string) (ConnectionInfo, bool) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ConnectionInfo{}, false
	}
	info := ConnectionInfo{
		ID:          id,
		RemoteIP:    e.ip,
		Topics:      sortedKeys(e.topics),
		ConnectedAt: e.joined,
		LastPong:    e.lastPong,
		MissedPongs: e.missed,
	}
	p := e.peer
	r.mu.Unlock()

	info.Queued = p.Queued()
	info.Dropped = p.Dropped()
	return info, true
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	TotalAccepted     uint64         `json:"total_accepted"`
	TotalRejected     uint64         `json:"total_rejected"`
	TotalClosed       uint64         `json:"total_closed"`
	HeartbeatTimeouts uint64         `json:"heartbeat_timeouts"`
	DroppedFrames     uint64         `json:"dropped_frames"`
	Topics            map[string]int `json:"topics"`
	ConnectionsPerIP  map[string]int `json:"connections_per_ip"`
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	topics := make(map[string]int, len(r.topics))
	for t, subs := range r.topics {
		topics[t] = len(subs)
	}
	perIP := make(map[string]int, len(r.perIP))
	for ip, n := range r.perIP {
		perIP[ip] = n
	}
	var dropped uint64
	for _, e := range r.conns {
		dropped += e.peer.Dropped()
	}
	active := len(r.conns)
	r.mu.Unlock()

	return Stats{
		ActiveConnections: active,
		TotalAccepted:     r.acceptedCount.Load(),
		TotalRejected:     r.rejectedCount.Load(),
		TotalClosed:       r.closedCount.Load(),
		HeartbeatTimeouts: r.timeoutCount.Load(),
		DroppedFrames:     dropped,
		Topics:            topics,
		ConnectionsPerIP:  perIP,
	}
}

// peerIP extracts the IP address from a connection.
func peerIP(p Peer) string {
	addr := p.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
