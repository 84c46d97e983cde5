package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nxmramm/native/ramm"
	"nxmramm/services/rammd/sequencer"
	"nxmramm/services/rammd/storage"
)

const maxBodyBytes = 1 << 16

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Journal.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Engine.LoadState(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateView(state))
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	state, liquidity, err := s.deps.Engine.Reserves(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReservesView{
		State:     stateView(state),
		Injected:  wei(liquidity.Injected),
		Extracted: wei(liquidity.Extracted),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	priceA, priceB, err := s.deps.Engine.SpotPrices(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bookValue, err := s.deps.Engine.BookValue(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	internal, err := s.deps.Engine.InternalPrice(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PricesView{
		SpotPriceA:    wei(priceA),
		SpotPriceB:    wei(priceB),
		BookValue:     wei(bookValue),
		InternalPrice: wei(internal),
	})
}

func (s *Server) handleCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	breaker, err := s.deps.Engine.CircuitBreaker(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	paused, err := s.deps.Engine.SwapPaused(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BreakerView{
		EthReleased: wei(breaker.EthReleased),
		NxmReleased: wei(breaker.NxmReleased),
		EthLimit:    breaker.EthLimit,
		NxmLimit:    breaker.NxmLimit,
		EthHeadroom: wei(breaker.Headroom(ramm.BreakerEth)),
		NxmHeadroom: wei(breaker.Headroom(ramm.BreakerNxm)),
		SwapPaused:  paused,
	})
}

func (s *Server) handleSwaps(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	var (
		records []storage.SwapRecord
		err     error
	)
	if user != "" {
		if !common.IsHexAddress(user) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "user must be an account address")
			return
		}
		records, err = s.deps.Journal.SwapsByUser(r.Context(), common.HexToAddress(user).Hex(), limit)
	} else {
		records, err = s.deps.Journal.RecentSwaps(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []storage.SwapRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": records})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid account address")
		return
	}
	addr := common.HexToAddress(raw)
	nxm, err := s.deps.Treasury.BalanceOf(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	eth, err := s.deps.Treasury.EthBalance(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountView{Address: addr.Hex(), Nxm: wei(nxm), Eth: wei(eth)})
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing principal")
		return
	}
	var body SwapRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.swapRequest(principal.Address, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	receipt, err := s.deps.Sequencer.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SwapView{
		ID:        receipt.ID,
		Direction: receipt.Direction.String(),
		User:      receipt.Caller.Hex(),
		AmountIn:  wei(receipt.AmountIn),
		AmountOut: wei(receipt.AmountOut),
		Injected:  wei(receipt.Liquidity.Injected),
		Extracted: wei(receipt.Liquidity.Extracted),
		Timestamp: receipt.Timestamp,
		State:     stateView(receipt.State),
	})
}

func (s *Server) swapRequest(caller common.Address, body SwapRequest) (ramm.SwapRequest, error) {
	nxmIn, err := ramm.ParseWei(body.NxmIn)
	if err != nil {
		return ramm.SwapRequest{}, err
	}
	ethIn, err := ramm.ParseWei(body.EthIn)
	if err != nil {
		return ramm.SwapRequest{}, err
	}
	minOut, err := ramm.ParseWei(body.MinAmountOut)
	if err != nil {
		return ramm.SwapRequest{}, err
	}
	deadline := body.Deadline
	if deadline == 0 {
		deadline = uint64(s.cfg.Now().Add(s.cfg.DefaultDeadline).Unix())
	}
	return ramm.SwapRequest{
		Caller:       caller,
		NxmIn:        nxmIn,
		EthIn:        ethIn,
		MinAmountOut: minOut,
		Deadline:     deadline,
	}, nil
}

func (s *Server) handleSwapPause(w http.ResponseWriter, r *http.Request) {
	var body SwapPauseRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.admin(w, r, func(ctx context.Context, caller common.Address) error {
		return s.deps.Engine.SetEmergencySwapPause(ctx, caller, body.Paused)
	})
}

func (s *Server) handleBreakerLimits(w http.ResponseWriter, r *http.Request) {
	var body BreakerLimitsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.admin(w, r, func(ctx context.Context, caller common.Address) error {
		return s.deps.Engine.SetCircuitBreakerLimits(ctx, caller, body.EthLimit, body.NxmLimit)
	})
}

func (s *Server) handleRemoveBudget(w http.ResponseWriter, r *http.Request) {
	s.admin(w, r, func(ctx context.Context, caller common.Address) error {
		return s.deps.Engine.RemoveBudget(ctx, caller)
	})
}

func (s *Server) handleSystemPause(w http.ResponseWriter, r *http.Request) {
	var body SwapPauseRequest
	if !decodeBody(w, r, &body) {
		return
	}
	s.admin(w, r, func(ctx context.Context, caller common.Address) error {
		ok, err := s.deps.Treasury.HasRole(ctx, ramm.RoleGovernance, caller)
		if err != nil {
			return err
		}
		if !ok {
			return ramm.ErrUnauthorized
		}
		return s.deps.Treasury.SetSystemPaused(body.Paused)
	})
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller common.Address) error) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing principal")
		return
	}
	err := s.deps.Sequencer.Do(r.Context(), func(ctx context.Context) error {
		return fn(ctx, principal.Address)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("admin call applied",
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("route", r.URL.Path),
		slog.String("user", principal.Address.Hex()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("invalid payload: %v", err))
		return false
	}
	return true
}

// StatusFor maps a failure onto the HTTP status and stable error code.
func StatusFor(err error) (int, string) {
	code := sequencer.ErrorCode(err)
	if kind, ok := ramm.KindOf(err); ok {
		switch kind {
		case ramm.ErrOneInputRequired, ramm.ErrOneInputOnly:
			return http.StatusBadRequest, code
		case ramm.ErrUnauthorized:
			return http.StatusForbidden, code
		case ramm.ErrReentrantCall, ramm.ErrAlreadyInitialized:
			return http.StatusConflict, code
		case ramm.ErrSwapExpired, ramm.ErrNoSwapsInBufferZone, ramm.ErrInsufficientAmountOut,
			ramm.ErrEthCircuitBreakerHit, ramm.ErrNxmCircuitBreakerHit, ramm.ErrEthTransferFailed:
			return http.StatusUnprocessableEntity, code
		case ramm.ErrSystemPaused, ramm.ErrSwapPaused, ramm.ErrLockedForVoting:
			return http.StatusLocked, code
		case ramm.ErrNotInitialized:
			return http.StatusServiceUnavailable, code
		default:
			return http.StatusInternalServerError, code
		}
	}
	switch code {
	case "QuotaExceeded":
		return http.StatusTooManyRequests, code
	case "Unavailable":
		return http.StatusServiceUnavailable, code
	case "Timeout":
		return http.StatusGatewayTimeout, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("route", r.URL.Path),
			slog.Any("error", err),
		)
		message = "internal error"
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
