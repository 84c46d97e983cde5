package metrics

import (
	"math"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// RAMMMetrics exposes swap throughput and reserve health for the market maker.
type RAMMMetrics struct {
	swaps           *prometheus.CounterVec
	volume          *prometheus.CounterVec
	reserves        *prometheus.GaugeVec
	spotPrice       *prometheus.GaugeVec
	liquidity       *prometheus.CounterVec
	breakerHeadroom *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

var (
	rammOnce     sync.Once
	rammRegistry *RAMMMetrics
)

// RAMM returns the lazily registered market maker metrics.
func RAMM() *RAMMMetrics {
	rammOnce.Do(func() {
		rammRegistry = &RAMMMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramm",
				Name:      "swaps_total",
				Help:      "Swap attempts by direction and outcome code.",
			}, []string{"direction", "outcome"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramm",
				Name:      "swap_volume_tokens_total",
				Help:      "Whole-token volume moved by committed swaps, by asset and leg.",
			}, []string{"asset", "leg"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ramm",
				Name:      "reserve_tokens",
				Help:      "Committed reserve values in whole tokens.",
			}, []string{"reserve"}),
			spotPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ramm",
				Name:      "spot_price_eth",
				Help:      "Spot price of one NXM in ETH for the buy (a) and sell (b) curves.",
			}, []string{"side"}),
			liquidity: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramm",
				Name:      "liquidity_moved_eth_total",
				Help:      "ETH injected into or extracted from the virtual reserve.",
			}, []string{"kind"}),
			breakerHeadroom: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ramm",
				Name:      "circuit_breaker_headroom_tokens",
				Help:      "Volume remaining before a circuit breaker trips, in whole tokens.",
			}, []string{"kind"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ramm",
				Name:      "sequencer_queue_depth",
				Help:      "Swaps waiting for the sequencer.",
			}),
		}
		prometheus.MustRegister(
			rammRegistry.swaps,
			rammRegistry.volume,
			rammRegistry.reserves,
			rammRegistry.spotPrice,
			rammRegistry.liquidity,
			rammRegistry.breakerHeadroom,
			rammRegistry.queueDepth,
		)
	})
	return rammRegistry
}

// ToTokens converts an 18-decimal amount into whole tokens for gauges.
func ToTokens(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return v.Float64() / math.Pow10(18)
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ObserveSwap counts a swap attempt. Outcome is "ok" or the error code.
func (m *RAMMMetrics) ObserveSwap(direction, outcome string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(label(direction, "unknown"), label(outcome, "unknown")).Inc()
}

// ObserveVolume adds the legs of a committed swap.
func (m *RAMMMetrics) ObserveVolume(assetIn string, amountIn *uint256.Int, assetOut string, amountOut *uint256.Int) {
	if m == nil {
		return
	}
	m.volume.WithLabelValues(label(assetIn, "unknown"), "in").Add(ToTokens(amountIn))
	m.volume.WithLabelValues(label(assetOut, "unknown"), "out").Add(ToTokens(amountOut))
}

// ObserveReserves records the committed reserve values.
func (m *RAMMMetrics) ObserveReserves(nxmA, nxmB, eth, budget *uint256.Int) {
	if m == nil {
		return
	}
	m.reserves.WithLabelValues("nxm_a").Set(ToTokens(nxmA))
	m.reserves.WithLabelValues("nxm_b").Set(ToTokens(nxmB))
	m.reserves.WithLabelValues("eth").Set(ToTokens(eth))
	m.reserves.WithLabelValues("budget").Set(ToTokens(budget))
}

// ObserveSpotPrices records both curve prices.
func (m *RAMMMetrics) ObserveSpotPrices(priceA, priceB *uint256.Int) {
	if m == nil {
		return
	}
	m.spotPrice.WithLabelValues("a").Set(ToTokens(priceA))
	m.spotPrice.WithLabelValues("b").Set(ToTokens(priceB))
}

// ObserveLiquidity adds the ETH a projection moved.
func (m *RAMMMetrics) ObserveLiquidity(injected, extracted *uint256.Int) {
	if m == nil {
		return
	}
	if injected != nil && !injected.IsZero() {
		m.liquidity.WithLabelValues("injected").Add(ToTokens(injected))
	}
	if extracted != nil && !extracted.IsZero() {
		m.liquidity.WithLabelValues("extracted").Add(ToTokens(extracted))
	}
}

// ObserveBreakerHeadroom records how much each breaker can still release.
func (m *RAMMMetrics) ObserveBreakerHeadroom(eth, nxm *uint256.Int) {
	if m == nil {
		return
	}
	m.breakerHeadroom.WithLabelValues("eth").Set(ToTokens(eth))
	m.breakerHeadroom.WithLabelValues("nxm").Set(ToTokens(nxm))
}

// SetQueueDepth records the number of pending sequencer jobs.
func (m *RAMMMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
