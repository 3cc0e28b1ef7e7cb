package stream

import (
	"context"
	"encoding/json"
	"math"
)

type peerInfo struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	LatencyMS   float64 `json:"latency_ms"`
	IsValidator bool    `json:"is_validator"`
}

type peerList struct {
	Peers []peerInfo `json:"peers"`
}

type netStats struct {
	TPS               float64 `json:"tps"`
	BandwidthIn       float64 `json:"bandwidth_in"`
	BandwidthOut      float64 `json:"bandwidth_out"`
	ActiveConnections int64   `json:"active_connections"`
}

type blockHeader struct {
	Number       uint64  `json:"number"`
	FinalityTime float64 `json:"finality_time"`
}

// NetworkMetrics is the network_metrics payload.
type NetworkMetrics struct {
	NetworkStrength   int     `json:"network_strength"`
	BlockHeight       uint64  `json:"block_height"`
	FinalityTime      float64 `json:"finality_time"`
	PeerCount         int     `json:"peer_count"`
	TPS               float64 `json:"tps"`
	BandwidthIn       float64 `json:"bandwidth_in"`
	BandwidthOut      float64 `json:"bandwidth_out"`
	ActiveConnections int64   `json:"active_connections"`
}

// NetworkStrength scores the network from 0 to 100: up to 30 points for peer
// count (saturating at 50 peers), up to 40 for throughput (saturating at 1000
// tps) and up to 30 for finality, losing a point per 10 units of finality time.
func NetworkStrength(peers int, tps, finality float64) int {
	peerScore := math.Min(float64(peers)/50*30, 30)
	tpsScore := math.Min(tps/1000*40, 40)
	finalityScore := math.Max(30-finality/10, 0)
	return int(peerScore + tpsScore + finalityScore)
}

// BuildNetworkMetrics combines net.peers, net.stats and light.latest_header.
func BuildNetworkMetrics(ctx context.Context, src Source) (json.RawMessage, error) {
	var (
		peers  peerList
		stats  netStats
		header blockHeader
	)

	err := fetch(ctx, src,
		request{"net.peers", nil, &peers},
		request{"net.stats", nil, &stats},
		request{"light.latest_header", nil, &header},
	)
	if err != nil {
		return nil, err
	}

	return json.Marshal(NetworkMetrics{
		NetworkStrength:   NetworkStrength(len(peers.Peers), stats.TPS, header.FinalityTime),
		BlockHeight:       header.Number,
		FinalityTime:      header.FinalityTime,
		PeerCount:         len(peers.Peers),
		TPS:               stats.TPS,
		BandwidthIn:       stats.BandwidthIn,
		BandwidthOut:      stats.BandwidthOut,
		ActiveConnections: stats.ActiveConnections,
	})
}

// Market status values.
const (
	StatusHealthy  = "healthy"
	StatusIdle     = "idle"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// MarketHealth is the status of one market. Only the counters relevant to
// the market are set.
type MarketHealth struct {
	Status           string   `json:"status"`
	ActiveJobs       *int64   `json:"active_jobs,omitempty"`
	TotalStored      *int64   `json:"total_stored,omitempty"`
	TotalCredits     *float64 `json:"total_credits,omitempty"`
	ActiveTraders    *int64   `json:"active_traders,omitempty"`
	ActiveCampaigns  *int64   `json:"active_campaigns,omitempty"`
	TotalImpressions *int64   `json:"total_impressions,omitempty"`
	TotalProviders   *int64   `json:"total_providers,omitempty"`
}

// MarketsHealth is the markets_health payload.
type MarketsHealth struct {
	OverallStatus  string                  `json:"overall_status"`
	Markets        map[string]MarketHealth `json:"markets"`
	HealthyMarkets int                     `json:"healthy_markets"`
	TotalMarkets   int                     `json:"total_markets"`
}

// OverallStatus is healthy with at least three healthy markets, degraded
// with at least one and down otherwise.
func OverallStatus(healthy int) string {
	switch {
	case healthy >= 3:
		return StatusHealthy
	case healthy >= 1:
		return StatusDegraded
	default:
		return StatusDown
	}
}

func activity(active bool) string {
	if active {
		return StatusHealthy
	}
	return StatusIdle
}

// BuildMarketsHealth polls the four market stats methods together.
func BuildMarketsHealth(ctx context.Context, src Source) (json.RawMessage, error) {
	var (
		compute struct {
			ActiveJobs int64 `json:"active_jobs"`
			Providers  int64 `json:"providers"`
		}
		storage struct {
			TotalStored int64 `json:"total_stored"`
			Providers   int64 `json:"providers"`
		}
		energy struct {
			TotalCredits  float64 `json:"total_credits"`
			ActiveTraders int64   `json:"active_traders"`
		}
		ads struct {
			ActiveCampaigns  int64 `json:"active_campaigns"`
			TotalImpressions int64 `json:"total_impressions"`
		}
	)

	err := fetch(ctx, src,
		request{"compute_market.stats", nil, &compute},
		request{"storage.stats", nil, &storage},
		request{"energy.market_state", nil, &energy},
		request{"ad_market.stats", nil, &ads},
	)
	if err != nil {
		return nil, err
	}

	markets := map[string]MarketHealth{
		"compute": {
			Status:         activity(compute.ActiveJobs > 0),
			ActiveJobs:     &compute.ActiveJobs,
			TotalProviders: &compute.Providers,
		},
		"storage": {
			Status:         activity(storage.TotalStored > 0),
			TotalStored:    &storage.TotalStored,
			TotalProviders: &storage.Providers,
		},
		"energy": {
			Status:        activity(energy.TotalCredits > 0),
			TotalCredits:  &energy.TotalCredits,
			ActiveTraders: &energy.ActiveTraders,
		},
		"ads": {
			Status:           activity(ads.ActiveCampaigns > 0),
			ActiveCampaigns:  &ads.ActiveCampaigns,
			TotalImpressions: &ads.TotalImpressions,
		},
	}

	healthy := 0
	for _, m := range markets {
		if m.Status == StatusHealthy {
			healthy++
		}
	}

	return json.Marshal(MarketsHealth{
		OverallStatus:  OverallStatus(healthy),
		Markets:        markets,
		HealthyMarkets: healthy,
		TotalMarkets:   len(markets),
	})
}

// ReceiptsLimit is how many recent receipts each receipts update carries.
const ReceiptsLimit = 10

// BuildReceipts returns the most recent receipts from receipt.audit.
func BuildReceipts(ctx context.Context, src Source) (json.RawMessage, error) {
	var result struct {
		Receipts []json.RawMessage `json:"receipts"`
	}
	if err := call(ctx, src, "receipt.audit", map[string]int{"limit": ReceiptsLimit}, &result); err != nil {
		return nil, err
	}
	if result.Receipts == nil {
		result.Receipts = []json.RawMessage{}
	}

	return json.Marshal(struct {
		Receipts []json.RawMessage `json:"receipts"`
		Count    int               `json:"count"`
	}{result.Receipts, len(result.Receipts)})
}

// BuildPeers returns the peer list from net.peers.
func BuildPeers(ctx context.Context, src Source) (json.RawMessage, error) {
	var peers peerList
	if err := call(ctx, src, "net.peers", nil, &peers); err != nil {
		return nil, err
	}
	if peers.Peers == nil {
		peers.Peers = []peerInfo{}
	}

	return json.Marshal(struct {
		Peers []peerInfo `json:"peers"`
		Total int        `json:"total"`
	}{peers.Peers, len(peers.Peers)})
}
