package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "nxmramm/native/common"
	"nxmramm/native/ramm"
	"nxmramm/observability/logging"
	"nxmramm/observability/metrics"
	"nxmramm/observability/otel"
	"nxmramm/services/rammd/storage"
)

// ErrStopped is returned for work submitted after the sequencer loop exited.
var ErrStopped = errors.New("sequencer: stopped")

// Engine is the subset of the RAMM engine the sequencer drives.
type Engine interface {
	Swap(ctx context.Context, req ramm.SwapRequest) (*ramm.SwapReceipt, error)
	CircuitBreaker(ctx context.Context) (ramm.CircuitBreaker, error)
}

// Journal records committed swaps.
type Journal interface {
	RecordSwap(ctx context.Context, rec storage.SwapRecord) error
}

// Options configures a Sequencer. Zero values select defaults.
type Options struct {
	QueueSize   int
	SwapTimeout time.Duration
	Quota       nativecommon.Quota
	Journal     Journal
	Logger      *slog.Logger
	Metrics     *metrics.RAMMMetrics
	Now         func() time.Time
	NewID       func() string
}

// Receipt is a committed swap with its journal identifier.
type Receipt struct {
	ID string
	*ramm.SwapReceipt
}

type outcome struct {
	receipt *Receipt
	err     error
}

type job struct {
	ctx    context.Context
	run    func(ctx context.Context) (*Receipt, error)
	result chan outcome
}

// Sequencer executes swaps and admin calls one at a time in arrival order.
type Sequencer struct {
	engine  Engine
	opts    Options
	tracer  trace.Tracer
	jobs    chan job
	done    chan struct{}
	usage   map[common.Address]nativecommon.QuotaNow
	epochID uint64
}

// New constructs a sequencer. Run must be started before work is submitted.
func New(engine Engine, opts Options) *Sequencer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Sequencer{
		engine: engine,
		opts:   opts,
		tracer: otel.Tracer("rammd/sequencer"),
		jobs:   make(chan job, opts.QueueSize),
		done:   make(chan struct{}),
		usage:  make(map[common.Address]nativecommon.QuotaNow),
	}
}

// Run consumes jobs until ctx is cancelled. Jobs still queued at shutdown fail
// with ErrStopped.
func (s *Sequencer) Run(ctx context.Context) error {
	defer func() {
		close(s.done)
		for {
			select {
			case j := <-s.jobs:
				j.result <- outcome{err: ErrStopped}
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-s.jobs:
			s.opts.Metrics.SetQueueDepth(len(s.jobs))
			s.process(j)
		}
	}
}

func (s *Sequencer) process(j job) {
	if err := j.ctx.Err(); err != nil {
		j.result <- outcome{err: err}
		return
	}
	ctx := j.ctx
	if s.opts.SwapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SwapTimeout)
		defer cancel()
	}
	receipt, err := j.run(ctx)
	j.result <- outcome{receipt: receipt, err: err}
}

func (s *Sequencer) enqueue(ctx context.Context, run func(ctx context.Context) (*Receipt, error)) (*Receipt, error) {
	j := job{ctx: ctx, run: run, result: make(chan outcome, 1)}
	select {
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.jobs <- j:
	}
	s.opts.Metrics.SetQueueDepth(len(s.jobs))
	select {
	case res := <-j.result:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case res := <-j.result:
			return res.receipt, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// Submit queues a swap and waits for its result.
func (s *Sequencer) Submit(ctx context.Context, req ramm.SwapRequest) (*Receipt, error) {
	return s.enqueue(ctx, func(ctx context.Context) (*Receipt, error) {
		return s.swap(ctx, req)
	})
}

// Do runs fn on the sequencer goroutine so it cannot interleave with a swap.
func (s *Sequencer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := s.enqueue(ctx, func(ctx context.Context) (*Receipt, error) {
		return nil, fn(ctx)
	})
	return err
}

func (s *Sequencer) swap(ctx context.Context, req ramm.SwapRequest) (*Receipt, error) {
	direction := requestDirection(req)
	ctx, span := s.tracer.Start(ctx, "ramm.swap", trace.WithAttributes(
		attribute.String("ramm.direction", direction.String()),
		attribute.String("ramm.caller", req.Caller.Hex()),
	))
	defer span.End()

	next, err := s.reserveQuota(req.Caller)
	if err != nil {
		s.reject(span, req, direction, err)
		return nil, err
	}
	receipt, err := s.engine.Swap(ctx, req)
	if err != nil {
		s.reject(span, req, direction, err)
		return nil, err
	}
	s.usage[req.Caller] = next

	out := &Receipt{ID: s.opts.NewID(), SwapReceipt: receipt}
	span.SetAttributes(attribute.String("ramm.swap_id", out.ID))
	if s.opts.Journal != nil {
		rec := storage.SwapRecord{
			ID:        out.ID,
			User:      receipt.Caller.Hex(),
			Direction: receipt.Direction.String(),
			AmountIn:  receipt.AmountIn.Dec(),
			AmountOut: receipt.AmountOut.Dec(),
			Injected:  amountDec(receipt.Liquidity.Injected),
			Extracted: amountDec(receipt.Liquidity.Extracted),
			Timestamp: receipt.Timestamp,
			Recorded:  s.opts.Now(),
		}
		// Committed swaps are never unwound on journal failure.
		if err := s.opts.Journal.RecordSwap(context.WithoutCancel(ctx), rec); err != nil {
			s.opts.Logger.Error("journal swap", slog.String("swap_id", out.ID), slog.Any("error", err))
		}
	}
	s.observe(ctx, receipt)
	s.opts.Logger.Info("swap committed",
		slog.String("swap_id", out.ID),
		slog.String("direction", receipt.Direction.String()),
		slog.String("user", receipt.Caller.Hex()),
		slog.String("amount_in", receipt.AmountIn.Dec()),
		slog.String("amount_out", receipt.AmountOut.Dec()),
	)
	return out, nil
}

func (s *Sequencer) reserveQuota(caller common.Address) (nativecommon.QuotaNow, error) {
	epoch := s.opts.Quota.Epoch(uint64(s.opts.Now().Unix()))
	if epoch != s.epochID {
		s.usage = make(map[common.Address]nativecommon.QuotaNow)
		s.epochID = epoch
	}
	return nativecommon.CheckQuota(s.opts.Quota, epoch, s.usage[caller], 1)
}

func (s *Sequencer) reject(span trace.Span, req ramm.SwapRequest, direction ramm.Direction, err error) {
	code := ErrorCode(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	s.opts.Metrics.ObserveSwap(direction.String(), code)
	s.opts.Logger.Warn("swap rejected",
		slog.String("direction", direction.String()),
		slog.String("user", req.Caller.Hex()),
		slog.String("code", code),
		logging.MaskField("min_amount_out", amountDec(req.MinAmountOut)),
	)
}

func (s *Sequencer) observe(ctx context.Context, receipt *ramm.SwapReceipt) {
	m := s.opts.Metrics
	if m == nil {
		return
	}
	m.ObserveSwap(receipt.Direction.String(), "ok")
	if receipt.Direction == ramm.DirectionNxmForEth {
		m.ObserveVolume("nxm", receipt.AmountIn, "eth", receipt.AmountOut)
	} else {
		m.ObserveVolume("eth", receipt.AmountIn, "nxm", receipt.AmountOut)
	}
	m.ObserveLiquidity(receipt.Liquidity.Injected, receipt.Liquidity.Extracted)
	state := receipt.State
	m.ObserveReserves(state.NxmA, state.NxmB, state.Eth, state.Budget)
	if priceA, priceB, err := state.SpotPrices(); err == nil {
		m.ObserveSpotPrices(priceA, priceB)
	}
	if breaker, err := s.engine.CircuitBreaker(ctx); err == nil {
		m.ObserveBreakerHeadroom(breaker.Headroom(ramm.BreakerEth), breaker.Headroom(ramm.BreakerNxm))
	}
}

// ErrorCode maps a swap failure onto the stable code used by metrics and the
// HTTP API.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := ramm.KindOf(err); ok {
		return kind.Code()
	}
	switch {
	case errors.Is(err, nativecommon.ErrQuotaSwapsExceeded), errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return "QuotaExceeded"
	case errors.Is(err, ErrStopped):
		return "Unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "Timeout"
	default:
		return "Internal"
	}
}

func requestDirection(req ramm.SwapRequest) ramm.Direction {
	if req.NxmIn != nil && !req.NxmIn.IsZero() {
		return ramm.DirectionNxmForEth
	}
	return ramm.DirectionEthForNxm
}

func amountDec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
