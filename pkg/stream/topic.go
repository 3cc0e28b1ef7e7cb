package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"streamgate/pkg/rpc"
)

// Topic names in the default catalogue.
const (
	TopicNetworkMetrics = "network_metrics"
	TopicMarketsHealth  = "markets_health"
	TopicReceipts       = "receipts"
	TopicPeers          = "peers"
)

// ErrEmptyResult is returned by a builder when the upstream answered with no
// result at all.
var ErrEmptyResult = errors.New("upstream returned an empty result")

// Source is the upstream data source. It is treated as a black box: a named
// method is called with JSON-encodable params and returns raw JSON.
type Source interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// BuildFunc produces one full-state payload for a topic. The returned JSON
// becomes the "data" field of the topic envelope.
type BuildFunc func(ctx context.Context, src Source) (json.RawMessage, error)

// Topic is a named stream with its poll interval and payload builder.
type Topic struct {
	Name     string
	Interval time.Duration
	Build    BuildFunc
}

// Passthrough returns a topic that polls a single upstream method and
// broadcasts its result unchanged.
func Passthrough(name, method string, params any, interval time.Duration) Topic {
	return Topic{
		Name:     name,
		Interval: interval,
		Build: func(ctx context.Context, src Source) (json.RawMessage, error) {
			raw, err := src.Call(ctx, method, params)
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 || string(raw) == "null" {
				return nil, fmt.Errorf("%s: %w", method, ErrEmptyResult)
			}
			return raw, nil
		},
	}
}

// DefaultIntervals are the poll intervals of the default catalogue.
var DefaultIntervals = map[string]time.Duration{
	TopicNetworkMetrics: 2 * time.Second,
	TopicMarketsHealth:  5 * time.Second,
	TopicReceipts:       3 * time.Second,
	TopicPeers:          10 * time.Second,
}

// Catalogue returns the default topics. Entries in intervals override the
// default poll interval of the topic with the same name.
func Catalogue(intervals map[string]time.Duration) []Topic {
	topics := []Topic{
		{Name: TopicNetworkMetrics, Build: BuildNetworkMetrics},
		{Name: TopicMarketsHealth, Build: BuildMarketsHealth},
		{Name: TopicReceipts, Build: BuildReceipts},
		{Name: TopicPeers, Build: BuildPeers},
	}
	for i := range topics {
		topics[i].Interval = DefaultIntervals[topics[i].Name]
		if d, ok := intervals[topics[i].Name]; ok && d > 0 {
			topics[i].Interval = d
		}
	}
	return topics
}

// Batcher is implemented by sources that can answer several methods in one
// round trip. *rpc.Client implements it.
type Batcher interface {
	BatchCall(ctx context.Context, calls []rpc.Call) ([]rpc.Response, error)
}

// request is one upstream method whose result is decoded into v.
type request struct {
	method string
	params any
	v      any
}

// call invokes method and decodes its result into v.
func call(ctx context.Context, src Source, method string, params any, v any) error {
	raw, err := src.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return decode(method, raw, v)
}

// fetch runs every request. A Batcher gets a single batch; any other source
// gets one concurrent call per request. The first failure fails the fetch.
func fetch(ctx context.Context, src Source, reqs ...request) error {
	if b, ok := src.(Batcher); ok {
		return fetchBatch(ctx, b, reqs)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		r := r
		g.Go(func() error { return call(ctx, src, r.method, r.params, r.v) })
	}
	return g.Wait()
}

func fetchBatch(ctx context.Context, b Batcher, reqs []request) error {
	calls := make([]rpc.Call, len(reqs))
	for i, r := range reqs {
		calls[i] = rpc.Call{Method: r.method, Params: r.params}
	}

	resps, err := b.BatchCall(ctx, calls)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if len(resps) != len(reqs) {
		return fmt.Errorf("batch: %d responses for %d calls", len(resps), len(reqs))
	}
	for i, resp := range resps {
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", reqs[i].method, resp.Error)
		}
		if err := decode(reqs[i].method, resp.Result, reqs[i].v); err != nil {
			return err
		}
	}
	return nil
}

func decode(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}
