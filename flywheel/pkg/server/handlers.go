package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type balanceResponse struct {
	Address       string          `json:"address"`
	EpochID       uint64          `json:"epochId"`
	Standing      decimal.Decimal `json:"standing"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	PayableAmount decimal.Decimal `json:"payableAmount"`
	Clipped       bool            `json:"clipped"`
	Claimable     bool            `json:"claimable"`
	Reason        string          `json:"reason,omitempty"`
}

type claimRequest struct {
	Address string `json:"address"`
}

type claimResponse struct {
	EpochID           uint64          `json:"epochId"`
	Address           string          `json:"address"`
	ClaimAmount       decimal.Decimal `json:"claimAmount"`
	BurnAmount        decimal.Decimal `json:"burnAmount"`
	Clipped           bool            `json:"clipped"`
	SettlementPayload string          `json:"settlementPayload"`
}

type leaderboardEntry struct {
	Rank     int             `json:"rank"`
	Address  string          `json:"address"`
	Standing decimal.Decimal `json:"standing"`
}

type logEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type historyPoint struct {
	Timestamp   time.Time       `json:"timestamp"`
	SourcePrice decimal.Decimal `json:"sourcePrice"`
	RewardPrice decimal.Decimal `json:"rewardPrice"`
	VaultSOL    decimal.Decimal `json:"vaultSOL"`
}

type statsResponse struct {
	PoolBalance           decimal.Decimal    `json:"poolBalance"`
	PoolAvailable         bool               `json:"poolAvailable"`
	Rate                  decimal.Decimal    `json:"rate"`
	EpochID               uint64             `json:"epochId"`
	EpochStartedAt        time.Time          `json:"epochStartedAt"`
	EpochEndsAt           time.Time          `json:"epochEndsAt"`
	CumulativeDistributed decimal.Decimal    `json:"cumulativeDistributed"`
	CumulativeBurned      decimal.Decimal    `json:"cumulativeBurned"`
	Claims                int64              `json:"claims"`
	Leaderboard           []leaderboardEntry `json:"leaderboard"`
	LastTickAt            *time.Time         `json:"lastTickAt"`
	NextTickAt            *time.Time         `json:"nextTickAt"`
	StandingMode          string             `json:"standingMode"`
	PayoutMode            string             `json:"payoutMode"`
	RecentLogs            []logEntry         `json:"recentLogs"`
	History               []historyPoint     `json:"history"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))

	el, err := s.cfg.Service.Eligibility(r.Context(), address)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, balanceResponse{
		Address:       el.Address,
		EpochID:       el.EpochID,
		Standing:      el.Standing,
		Rate:          el.Rate,
		Amount:        el.Amount,
		PayableAmount: el.Payable,
		Clipped:       el.Clipped,
		Claimable:     el.Claimable,
		Reason:        el.Reason,
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "request body must be JSON with an address"})
		return
	}

	res, err := s.cfg.Service.Claim(r.Context(), strings.TrimSpace(req.Address))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, claimResponse{
		EpochID:           res.EpochID,
		Address:           res.Address,
		ClaimAmount:       res.ClaimAmount,
		BurnAmount:        res.BurnAmount,
		Clipped:           res.Clipped,
		SettlementPayload: res.Transaction,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := statsResponse{
		PoolBalance:           st.PoolBalance,
		PoolAvailable:         st.PoolAvailable,
		Rate:                  st.Rate,
		EpochID:               st.EpochID,
		EpochStartedAt:        st.EpochStartedAt,
		EpochEndsAt:           st.EpochEndsAt,
		CumulativeDistributed: st.CumulativeDistributed,
		CumulativeBurned:      st.CumulativeBurned,
		Claims:                st.Claims,
		LastTickAt:            optionalTime(st.LastTickAt),
		NextTickAt:            optionalTime(st.NextTickAt),
		StandingMode:          string(st.StandingMode),
		PayoutMode:            string(st.PayoutMode),
		Leaderboard:           make([]leaderboardEntry, 0, len(st.Leaderboard)),
		RecentLogs:            make([]logEntry, 0, len(st.RecentLogs)),
		History:               make([]historyPoint, 0, len(st.History)),
	}
	for _, e := range st.Leaderboard {
		out.Leaderboard = append(out.Leaderboard, leaderboardEntry{Rank: e.Rank, Address: e.Address, Standing: e.Standing})
	}
	for _, l := range st.RecentLogs {
		out.RecentLogs = append(out.RecentLogs, logEntry{Time: l.Time, Level: l.Level, Message: l.Message})
	}
	for _, h := range st.History {
		out.History = append(out.History, historyPoint{Timestamp: h.Time, SourcePrice: h.SourcePrice, RewardPrice: h.RewardPrice, VaultSOL: h.VaultSOL})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// writeServiceError maps the rewards error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ie, ok := rewards.IsIneligible(err); ok {
		writeError(w, http.StatusConflict, errorResponse{Error: "not_claimable", Message: ie.Error(), Reason: ie.Reason})
		return
	}

	switch {
	case errors.Is(err, rewards.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid_address", Message: err.Error()})
	case errors.Is(err, rewards.ErrClaimsDisabled):
		writeError(w, http.StatusForbidden, errorResponse{Error: "claims_disabled", Message: err.Error()})
	case errors.Is(err, rewards.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "not_ready", Message: "epoch state is not loaded yet"})
	case errors.Is(err, rewards.ErrQuoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "pricing_unavailable", Message: "price quotes are unavailable, try again shortly"})
	case errors.Is(err, rewards.ErrOracleUnavailable):
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "oracle_unavailable", Message: "ledger reads are unavailable, try again shortly"})
	case errors.Is(err, rewards.ErrSettlementFailed):
		s.log.Error("server: settlement failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, errorResponse{Error: "settlement_failed", Message: "could not build the claim transaction"})
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal error"})
	}
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
