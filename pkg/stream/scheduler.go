package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamgate/internal/logger"
	"streamgate/internal/metrics"
	"streamgate/pkg/protocol"
)

// Broadcaster delivers an encoded envelope to every subscriber of a topic.
// *registry.Registry implements it.
type Broadcaster interface {
	Broadcast(topic string, payload []byte) int
}

// Config holds scheduler configuration.
type Config struct {
	// PollTimeout bounds each upstream poll.
	PollTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// task is a running poll loop.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler starts a poll task when a topic gains its first subscriber and
// cancels it when the topic loses its last one. It implements
// registry.TopicObserver.
type Scheduler struct {
	cfg     Config
	source  Source
	out     Broadcaster
	log     *zap.Logger
	metrics *metrics.Metrics
	topics  map[string]Topic

	mu      sync.Mutex
	running map[string]*task
	// retiring holds the done channel of the last cancelled task per topic.
	retiring map[string]chan struct{}
	stopped  bool
}

// NewScheduler creates a scheduler for the given topics. Topics without an
// interval or builder are ignored.
func NewScheduler(src Source, out Broadcaster, topics []Topic, cfg Config) *Scheduler {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	s := &Scheduler{
		cfg:     cfg,
		source:  src,
		out:     out,
		log:     logger.OrNop(cfg.Logger).Named("scheduler"),
		metrics: cfg.Metrics,
		topics:  make(map[string]Topic, len(topics)),
		running:  make(map[string]*task),
		retiring: make(map[string]chan struct{}),
	}
	for _, t := range topics {
		if t.Interval <= 0 || t.Build == nil {
			s.log.Warn("ignoring incomplete topic", zap.String("topic", t.Name))
			continue
		}
		s.topics[t.Name] = t
	}
	return s
}

// Has reports whether topic is in the catalogue.
func (s *Scheduler) Has(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// Topics returns the sorted catalogue topic names.
func (s *Scheduler) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running returns the sorted topics that currently have a poll task.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TopicActivated starts the poll task for topic unless one is running. The
// first poll happens immediately, or as soon as a cancelled task for the same
// topic has exited, so one topic never has two upstream polls in flight.
func (s *Scheduler) TopicActivated(topic string) {
	t, ok := s.topics[topic]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.running[topic]; ok {
		return
	}

	prev := s.retiring[topic]
	delete(s.retiring, topic)

	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{cancel: cancel, done: make(chan struct{})}
	s.running[topic] = tk

	s.metrics.PollTaskStarted()
	s.log.Info("poll task started",
		zap.String("topic", topic),
		zap.Duration("interval", t.Interval))

	go s.run(ctx, t, tk.done, prev)
}

// TopicDeactivated cancels the poll task for topic. It does not wait for the
// task to exit: it is called with the registry lock held and the task may be
// blocked on a broadcast that needs that lock. A cancelled task never polls
// or broadcasts again.
func (s *Scheduler) TopicDeactivated(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, ok := s.running[topic]
	if !ok {
		return
	}
	tk.cancel()
	delete(s.running, topic)
	s.retiring[topic] = tk.done

	s.log.Info("poll task stopped", zap.String("topic", topic))
}

// Stop cancels every poll task and waits for them to exit. Later activations
// are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	done := make([]chan struct{}, 0, len(s.running)+len(s.retiring))
	for name, tk := range s.running {
		tk.cancel()
		done = append(done, tk.done)
		delete(s.running, name)
	}
	for name, ch := range s.retiring {
		done = append(done, ch)
		delete(s.retiring, name)
	}
	s.mu.Unlock()

	for _, ch := range done {
		<-ch
	}
}

func (s *Scheduler) run(ctx context.Context, t Topic, done, prev chan struct{}) {
	defer close(done)
	defer s.metrics.PollTaskStopped()

	// done must not close before prev does; a later task may be waiting on it.
	if prev != nil {
		<-prev
	}

	s.poll(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, t)
		}
	}
}

// poll runs one cycle. Failures are logged and the cycle is skipped.
func (s *Scheduler) poll(ctx context.Context, t Topic) {
	if ctx.Err() != nil {
		return
	}

	log := s.log.With(zap.String("topic", t.Name))
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PollFailed(t.Name)
			log.Error("poll panicked", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	data, err := s.build(ctx, t)
	s.metrics.PollObserved(t.Name, time.Since(start))

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.metrics.PollFailed(t.Name)
		log.Warn("poll failed", zap.Error(err))
		return
	}

	n := s.out.Broadcast(t.Name, data)
	log.Debug("broadcast",
		zap.Int("subscribers", n),
		zap.Int("bytes", len(data)))
}

// build polls upstream and wraps the result in a topic envelope.
func (s *Scheduler) build(ctx context.Context, t Topic) ([]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	raw, err := t.Build(pctx, s.source)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.TopicMessage(t.Name, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return msg, nil
}
