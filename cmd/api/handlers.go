package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"assured/escrow"
	"assured/identity"
	"assured/reputation"
)

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyRole
)

type escrowService interface {
	Open(ctx context.Context, params escrow.OpenParams) (escrow.Call, error)
	FulfillFull(ctx context.Context, callID, caller string, responseHash [32]byte, ts int64, providerSig []byte) (escrow.Call, error)
	FulfillPartial(ctx context.Context, callID, caller string, chunkHash [32]byte, units, ts int64, providerSig []byte) (escrow.PartialRelease, error)
	RaiseDispute(ctx context.Context, callID, caller string, kind uint8, reasonHash [32]byte) error
	Settle(ctx context.Context, callID, payer, provider string) (escrow.Outcome, error)
	Get(ctx context.Context, callID string) (escrow.Call, error)
}

type reputationService interface {
	UpdateOutcome(ctx context.Context, serviceID string, outcome uint8, weight float64) error
	UpdateLatency(ctx context.Context, serviceID string, sampleMs int64) error
	BondDeposit(ctx context.Context, serviceID, caller string, amount int64) error
	BondWithdraw(ctx context.Context, serviceID, caller string, amount int64) error
	BondSlash(ctx context.Context, serviceID, authority, recipient string, amount int64) (int64, error)
	Snapshot(ctx context.Context, serviceID string) (reputation.Record, error)
}

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.Account, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	GetByKey(ctx context.Context, identityKey string) (*identity.Account, error)
	VerifyToken(token string) (string, identity.Role, error)
}

// Server routes HTTP requests into the core services. It is transport
// plumbing only: all consistency guarantees live behind the service calls.
type Server struct {
	escrowService     escrowService
	reputationService reputationService
	identityService   identityService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/me", s.withAuth(s.handleMe))
	mux.HandleFunc("/api/calls", s.withAuth(s.handleCalls))
	mux.HandleFunc("/api/calls/", s.withAuth(s.handleCallDetail))
	mux.HandleFunc("/api/services/", s.withAuth(s.handleServiceDetail))
	return mux
}

// withAuth resolves the bearer token into the caller's identity key and role
// before the wrapped handler runs.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		key, role, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyIdentity, key)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	account, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse{
		IdentityKey: account.IdentityKey,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Role:        string(account.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		Account: accountResponse{
			IdentityKey: result.Account.IdentityKey,
			Email:       result.Account.Email,
			DisplayName: result.Account.DisplayName,
			Role:        string(result.Account.Role),
		},
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	account, err := s.identityService.GetByKey(r.Context(), callerIdentity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		IdentityKey: account.IdentityKey,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Role:        string(account.Role),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req openCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	call, err := s.escrowService.Open(r.Context(), escrow.OpenParams{
		CallID:         req.CallID,
		Payer:          callerIdentity(r),
		Provider:       req.Provider,
		ServiceID:      req.ServiceID,
		Amount:         req.Amount,
		SLAMs:          req.SLAMs,
		DisputeWindowS: req.DisputeWindowS,
		TotalUnits:     req.TotalUnits,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCallResponse(call))
}

func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	callID, action, ok := splitDetailPath(r.URL.Path, "/api/calls/")
	if !ok {
		writeError(w, http.StatusBadRequest, "call id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetCall(w, r, callID)
	case action == "fulfill" && r.Method == http.MethodPost:
		s.handleFulfill(w, r, callID)
	case action == "fulfill-partial" && r.Method == http.MethodPost:
		s.handleFulfillPartial(w, r, callID)
	case action == "dispute" && r.Method == http.MethodPost:
		s.handleDispute(w, r, callID)
	case action == "settle" && r.Method == http.MethodPost:
		s.handleSettle(w, r, callID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request, callID string) {
	call, err := s.escrowService.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(call))
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request, callID string) {
	var req fulfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hash, err := decodeHash(req.ResponseHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "response_hash must be 32 hex-encoded bytes")
		return
	}

	call, err := s.escrowService.FulfillFull(r.Context(), callID, callerIdentity(r), hash, req.TS, req.ProviderSig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(call))
}

func (s *Server) handleFulfillPartial(w http.ResponseWriter, r *http.Request, callID string) {
	var req fulfillPartialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hash, err := decodeHash(req.ChunkHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk_hash must be 32 hex-encoded bytes")
		return
	}

	release, err := s.escrowService.FulfillPartial(r.Context(), callID, callerIdentity(r), hash, req.Units, req.TS, req.ProviderSig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partialReleaseResponse{
		Payout:     release.Payout,
		Units:      release.Units,
		TotalUnits: release.TotalUnits,
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, callID string) {
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hash, err := decodeHash(req.ReasonHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reason_hash must be 32 hex-encoded bytes")
		return
	}

	if err := s.escrowService.RaiseDispute(r.Context(), callID, callerIdentity(r), req.Kind, hash); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disputed": true})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, callID string) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outcome, err := s.escrowService.Settle(r.Context(), callID, req.Payer, req.Provider)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleServiceDetail(w http.ResponseWriter, r *http.Request) {
	serviceID, action, ok := splitDetailPath(r.URL.Path, "/api/services/")
	if !ok {
		writeError(w, http.StatusBadRequest, "service id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleSnapshot(w, r, serviceID)
	case action == "outcome" && r.Method == http.MethodPost:
		s.handleOutcome(w, r, serviceID)
	case action == "latency" && r.Method == http.MethodPost:
		s.handleLatency(w, r, serviceID)
	case action == "bond/deposit" && r.Method == http.MethodPost:
		s.handleBond(w, r, serviceID, bondActionDeposit)
	case action == "bond/withdraw" && r.Method == http.MethodPost:
		s.handleBond(w, r, serviceID, bondActionWithdraw)
	case action == "bond/slash" && r.Method == http.MethodPost:
		s.handleSlash(w, r, serviceID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, serviceID string) {
	record, err := s.reputationService.Snapshot(r.Context(), serviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse{
		ServiceID:      record.ServiceID,
		Owner:          record.Owner,
		OK:             record.OK,
		Late:           record.Late,
		Disputed:       record.Disputed,
		BondBalance:    record.BondBalance,
		EWMALatencyMs:  record.EWMALatencyMs,
		P95EstMs:       record.P95EstMs,
		LatencySamples: record.LatencySamples,
	})
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request, serviceID string) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.reputationService.UpdateOutcome(r.Context(), serviceID, req.Outcome, req.Weight); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request, serviceID string) {
	var req latencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.reputationService.UpdateLatency(r.Context(), serviceID, req.SampleMs); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bondAction int

const (
	bondActionDeposit bondAction = iota
	bondActionWithdraw
)

func (s *Server) handleBond(w http.ResponseWriter, r *http.Request, serviceID string, action bondAction) {
	var req bondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	caller := callerIdentity(r)
	var err error
	if action == bondActionDeposit {
		err = s.reputationService.BondDeposit(r.Context(), serviceID, caller, req.Amount)
	} else {
		err = s.reputationService.BondWithdraw(r.Context(), serviceID, caller, req.Amount)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request, serviceID string) {
	var req slashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	slashed, err := s.reputationService.BondSlash(r.Context(), serviceID, callerIdentity(r), req.Recipient, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"slashed": slashed})
}

type openCallRequest struct {
	CallID         string `json:"callId"`
	Provider       string `json:"provider"`
	ServiceID      string `json:"serviceId"`
	Amount         int64  `json:"amount"`
	SLAMs          int64  `json:"slaMs"`
	DisputeWindowS int64  `json:"disputeWindowS"`
	TotalUnits     int64  `json:"totalUnits"`
}

type fulfillRequest struct {
	ResponseHash string `json:"responseHash"`
	TS           int64  `json:"ts"`
	ProviderSig  []byte `json:"providerSig"`
}

type fulfillPartialRequest struct {
	ChunkHash   string `json:"chunkHash"`
	Units       int64  `json:"units"`
	TS          int64  `json:"ts"`
	ProviderSig []byte `json:"providerSig"`
}

type disputeRequest struct {
	Kind       uint8  `json:"kind"`
	ReasonHash string `json:"reasonHash"`
}

type settleRequest struct {
	Payer    string `json:"payer"`
	Provider string `json:"provider"`
}

type outcomeRequest struct {
	Outcome uint8   `json:"outcome"`
	Weight  float64 `json:"weight"`
}

type latencyRequest struct {
	SampleMs int64 `json:"sampleMs"`
}

type bondRequest struct {
	Amount int64 `json:"amount"`
}

type slashRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

type accountResponse struct {
	IdentityKey string `json:"identityKey"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type loginResponse struct {
	Token   string          `json:"token"`
	Account accountResponse `json:"account"`
}

type callResponse struct {
	CallID         string `json:"callId"`
	Payer          string `json:"payer"`
	Provider       string `json:"provider"`
	ServiceID      string `json:"serviceId"`
	Amount         int64  `json:"amount"`
	StartTS        int64  `json:"startTs"`
	SLAMs          int64  `json:"slaMs"`
	DisputeWindowS int64  `json:"disputeWindowS"`
	TotalUnits     int64  `json:"totalUnits"`
	UnitsReleased  int64  `json:"unitsReleased"`
	Status         string `json:"status"`
	DeliveredTS    *int64 `json:"deliveredTs,omitempty"`
	ResponseHash   string `json:"responseHash"`
	Disputed       bool   `json:"disputed"`
	CreatedAt      string `json:"createdAt"`
}

type partialReleaseResponse struct {
	Payout     int64 `json:"payout"`
	Units      int64 `json:"units"`
	TotalUnits int64 `json:"totalUnits"`
}

type serviceResponse struct {
	ServiceID      string  `json:"serviceId"`
	Owner          string  `json:"owner,omitempty"`
	OK             float64 `json:"ok"`
	Late           float64 `json:"late"`
	Disputed       float64 `json:"disputed"`
	BondBalance    int64   `json:"bondBalance"`
	EWMALatencyMs  int64   `json:"ewmaLatencyMs"`
	P95EstMs       int64   `json:"p95EstMs"`
	LatencySamples int64   `json:"latencySamples"`
}

func toCallResponse(call escrow.Call) callResponse {
	return callResponse{
		CallID:         call.CallID,
		Payer:          call.Payer,
		Provider:       call.Provider,
		ServiceID:      call.ServiceID,
		Amount:         call.Amount,
		StartTS:        call.StartTS,
		SLAMs:          call.SLAMs,
		DisputeWindowS: call.DisputeWindowS,
		TotalUnits:     call.TotalUnits,
		UnitsReleased:  call.UnitsReleased,
		Status:         string(call.Status),
		DeliveredTS:    call.DeliveredTS,
		ResponseHash:   hex.EncodeToString(call.ResponseHash[:]),
		Disputed:       call.Disputed,
		CreatedAt:      call.CreatedAt.Format(time.RFC3339),
	}
}

func callerIdentity(r *http.Request) string {
	key, _ := r.Context().Value(ctxKeyIdentity).(string)
	return key
}

// splitDetailPath extracts the resource id and optional action suffix from a
// path like /api/calls/{id}/fulfill.
func splitDetailPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest == path {
		return "", "", false
	}
	id, action, _ = strings.Cut(rest, "/")
	if id == "" {
		return "", "", false
	}
	return id, action, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrCallNotFound),
		errors.Is(err, reputation.ErrServiceNotFound),
		errors.Is(err, identity.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrCallExists),
		errors.Is(err, identity.ErrDuplicateEmail),
		errors.Is(err, escrow.ErrInvalidStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidProvider),
		errors.Is(err, escrow.ErrInvalidPayer),
		errors.Is(err, escrow.ErrInvalidReporter),
		errors.Is(err, reputation.ErrInvalidOwner),
		errors.Is(err, reputation.ErrInvalidAuthority):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidUnits),
		errors.Is(err, escrow.ErrInvalidDisputeKind),
		errors.Is(err, escrow.ErrIDTooLong),
		errors.Is(err, escrow.ErrSignatureTooLong),
		errors.Is(err, escrow.ErrEscrowBalanceLow),
		errors.Is(err, reputation.ErrInvalidAmount),
		errors.Is(err, reputation.ErrInvalidSample),
		errors.Is(err, reputation.ErrInsufficientBond),
		errors.Is(err, identity.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeHash(encoded string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return hash, err
	}
	if len(raw) != len(hash) {
		return hash, errors.New("hash must be 32 bytes")
	}
	copy(hash[:], raw)
	return hash, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
