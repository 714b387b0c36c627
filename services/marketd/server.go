package marketd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"aimarket/core/events"
	"aimarket/funds"
	"aimarket/ledger"
	"aimarket/native/market"
	"aimarket/native/reputation"
	"aimarket/observability"
	"aimarket/observability/logging"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for marketplace interactions.
type Server struct {
	coordinator *market.Coordinator
	vault       *funds.WalletVault
	reputation  *reputation.Engine
	auth        *Authenticator
	feed        *events.Buffer
	pool        *market.WeightedPool
	logger      *slog.Logger
	faucet      bool

	limit   RateLimitConfig
	limitMu sync.Mutex
	limits  map[string]*rate.Limiter

	nowFn func() time.Time
}

// NewServer wires the HTTP handler over the marketplace runtime.
func NewServer(coordinator *market.Coordinator, vault *funds.WalletVault, rep *reputation.Engine, auth *Authenticator, feed *events.Buffer, logger *slog.Logger) *Server {
	if coordinator == nil {
		panic("coordinator required")
	}
	if vault == nil {
		panic("vault required")
	}
	if auth == nil {
		auth = NewAuthenticator(nil, 0, 0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coordinator: coordinator,
		vault:       vault,
		reputation:  rep,
		auth:        auth,
		feed:        feed,
		logger:      logger,
		limit:       RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		limits:      make(map[string]*rate.Limiter),
		nowFn:       time.Now,
	}
}

// SetRateLimit overrides the per-key request budget.
func (s *Server) SetRateLimit(cfg RateLimitConfig) {
	if cfg.RequestsPerSecond > 0 && cfg.Burst > 0 {
		s.limit = cfg
	}
}

// EnableFaucet turns on the development faucet endpoint.
func (s *Server) EnableFaucet() { s.faucet = true }

// SetValidatorPool exposes validator registration over the API.
func (s *Server) SetValidatorPool(pool *market.WeightedPool) { s.pool = pool }

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.instrument)
		r.Post("/jobs", s.handlePostJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/escrow", s.handleGetEscrow)
			r.Get("/bids", s.handleListBids)
			r.Post("/bids", s.handleSubmitBid)
			r.Post("/select", s.handleSelectWinner)
			r.Post("/result", s.handleSubmitResult)
			r.Post("/approve", s.handleApprove)
			r.Post("/dispute", s.handleDispute)
			r.Post("/validator", s.handleAssignValidator)
			r.Post("/verdict", s.handleVerdict)
			r.Post("/cancel", s.handleCancel)
		})
		r.Get("/accounts/{address}/balance", s.handleBalance)
		r.Get("/reputation/{address}", s.handleReputation)
		r.Post("/validators", s.handleRegisterValidator)
		if s.faucet {
			r.Post("/faucet", s.handleFaucet)
		}
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.API().Observe(route, strconv.Itoa(recorder.status), s.nowFn().Sub(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	limiter, ok := s.limits[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.limit.RequestsPerSecond), s.limit.Burst)
		s.limits[key] = limiter
	}
	return limiter
}

// authorize reads the body, authenticates the caller and applies the per-key
// rate limit. The body is returned for decoding.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return nil, false
	}
	if len(body) > maxRequestBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return nil, false
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrAuthRequired) {
			w.Header().Set("WWW-Authenticate", "HMAC")
		}
		s.writeError(w, status, err)
		return nil, false
	}
	limitKey := principal.APIKey
	if limitKey == "" {
		limitKey = "anonymous"
	}
	if !s.limiterFor(limitKey).Allow() {
		s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return nil, false
	}
	return body, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postJobRequest struct {
	PromptRef   string `json:"prompt_ref"`
	ModelHint   string `json:"model_hint"`
	MaxTokens   int    `json:"max_tokens"`
	Quality     string `json:"quality"`
	MaxPrice    string `json:"max_price"`
	PaymentMode string `json:"payment_mode"`
	Requester   string `json:"requester"`
	TTL         string `json:"ttl,omitempty"`
}

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req postJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	quality, err := market.ParseQualityTier(req.Quality)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := parseAmount(req.MaxPrice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse ttl: %w", err))
			return
		}
	}
	job, esc, err := s.coordinator.PostJob(r.Context(), market.PostJobParams{
		PromptRef:   req.PromptRef,
		ModelHint:   req.ModelHint,
		MaxTokens:   req.MaxTokens,
		Quality:     quality,
		MaxPrice:    price,
		PaymentMode: req.PaymentMode,
		Requester:   req.Requester,
		TTL:         ttl,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			observability.Market().RecordPublishFailure(ledger.TopicJobs)
		}
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordJobPosted()
	s.logger.Info("job posted", "job_id", job.ID, "payment_mode", job.PaymentMode)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"job":    jobView(job),
		"escrow": escrowView(esc),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coordinator.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.coordinator.Escrow(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.coordinator.Bids(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(bids))
	for _, bid := range bids {
		views = append(views, bidView(bid))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bids": views})
}

type submitBidRequest struct {
	Bidder         string `json:"bidder"`
	Model          string `json:"model"`
	Hardware       string `json:"hardware,omitempty"`
	Price          string `json:"price"`
	EstimatedTimeS int64  `json:"estimated_time_s"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req submitBidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	bid, err := s.coordinator.SubmitBid(r.Context(), &market.Bid{
		JobID:          chi.URLParam(r, "jobID"),
		Bidder:         req.Bidder,
		Model:          req.Model,
		Hardware:       req.Hardware,
		Price:          price,
		EstimatedTimeS: req.EstimatedTimeS,
	})
	observability.Market().RecordBid(err == nil)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			observability.Market().RecordPublishFailure(ledger.TopicBids)
		}
		s.writeMarketError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bidView(bid))
}

func (s *Server) handleSelectWinner(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	esc, err := s.coordinator.SelectWinner(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordTransition(esc.State.String(), "select")
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

type submitResultRequest struct {
	Bidder    string `json:"bidder"`
	ResultRef string `json:"result_ref"`
	Payload   string `json:"payload,omitempty"`
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req submitResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	esc, err := s.coordinator.SubmitResult(r.Context(), chi.URLParam(r, "jobID"), req.Bidder, req.ResultRef, []byte(req.Payload))
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			observability.Market().RecordPublishFailure(ledger.TopicResults)
		}
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordTransition(esc.State.String(), "submit")
	// Inference output must never land in logs; only references may.
	s.logger.Info("result submitted",
		slog.String("job_id", esc.JobID),
		slog.String("result_ref", esc.ResultRef),
		logging.MaskField("payload", req.Payload))
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

type callerRequest struct {
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	esc, err := s.coordinator.Approve(chi.URLParam(r, "jobID"), req.Caller)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordTransition(esc.State.String(), "approve")
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	esc, err := s.coordinator.Dispute(chi.URLParam(r, "jobID"), req.Caller, req.Reason)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordTransition(esc.State.String(), "dispute")
	s.logger.Info("dispute filed",
		slog.String("job_id", esc.JobID),
		logging.MaskField("reason", req.Reason))
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

func (s *Server) handleAssignValidator(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	esc, err := s.coordinator.AssignValidator(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

type verdictRequest struct {
	Verdict string `json:"verdict"`
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req verdictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	verdict, err := market.ParseVerdict(req.Verdict)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	esc, err := s.coordinator.RecordVerdict(chi.URLParam(r, "jobID"), verdict)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordDispute(verdict.String())
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	esc, err := s.coordinator.CancelJob(chi.URLParam(r, "jobID"), req.Caller)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	observability.Market().RecordTransition(esc.State.String(), "cancel")
	s.writeJSON(w, http.StatusOK, escrowView(esc))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	balance, err := s.vault.Balance(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"address": addr, "balance": balance.String()})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if s.reputation == nil {
		s.writeError(w, http.StatusNotFound, errors.New("reputation disabled"))
		return
	}
	profile, err := s.reputation.Profile(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":   profile.Address,
		"score":     profile.Score,
		"completed": profile.Completed,
		"failed":    profile.Failed,
		"slashes":   profile.Slashes,
	})
}

type registerValidatorRequest struct {
	Address string `json:"address"`
}

// handleRegisterValidator enrols an address in the dispute validator pool,
// weighted by its current reputation score.
func (s *Server) handleRegisterValidator(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if s.pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("validator pool unavailable"))
		return
	}
	var req registerValidatorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	weight := 1.0
	if s.reputation != nil {
		score, err := s.reputation.Score(req.Address)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		weight = score
	}
	s.pool.Register(req.Address, weight)
	s.writeJSON(w, http.StatusOK, map[string]any{"address": req.Address, "weight": weight})
}

type faucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req faucetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.vault.Deposit(req.Address, amount); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	balance, err := s.vault.Balance(req.Address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"address": req.Address, "balance": balance.String()})
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func jobView(job *market.Job) map[string]any {
	return map[string]any{
		"id":           job.ID,
		"created_at":   job.CreatedAt,
		"expires_at":   job.ExpiresAt,
		"prompt_ref":   job.PromptRef,
		"model_hint":   job.ModelHint,
		"max_tokens":   job.MaxTokens,
		"quality":      job.Quality.String(),
		"max_price":    job.MaxPrice.String(),
		"payment_mode": job.PaymentMode,
		"requester":    job.Requester,
	}
}

func bidView(bid *market.Bid) map[string]any {
	return map[string]any{
		"job_id":           bid.JobID,
		"bidder":           bid.Bidder,
		"model":            bid.Model,
		"hardware":         bid.Hardware,
		"price":            bid.Price.String(),
		"estimated_time_s": bid.EstimatedTimeS,
		"submitted_at":     bid.SubmittedAt,
	}
}

func escrowView(esc *market.Escrow) map[string]any {
	view := map[string]any{
		"job_id":           esc.JobID,
		"state":            esc.State.String(),
		"state_entered_at": esc.StateEnteredAt,
		"requester":        esc.Requester,
		"locked_amount":    esc.LockedAmount.String(),
	}
	if esc.Bidder != "" {
		view["bidder"] = esc.Bidder
	}
	if esc.AgreedPrice != nil {
		view["agreed_price"] = esc.AgreedPrice.String()
	}
	if esc.ResultRef != "" {
		view["result_ref"] = esc.ResultRef
		view["result_hash"] = esc.ResultHash
	}
	if esc.Outcome != "" {
		view["outcome"] = esc.Outcome
	}
	if esc.Dispute != nil {
		dispute := map[string]any{
			"raised_by": esc.Dispute.RaisedBy,
			"reason":    esc.Dispute.Reason,
			"raised_at": esc.Dispute.RaisedAt,
		}
		if esc.Dispute.Validator != "" {
			dispute["validator"] = esc.Dispute.Validator
		}
		if esc.Dispute.Resolved() {
			dispute["verdict"] = esc.Dispute.Verdict.String()
			dispute["resolved_at"] = esc.Dispute.ResolvedAt
		}
		view["dispute"] = dispute
	}
	return view
}

func (s *Server) writeMarketError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrInvalidBid):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrStaleTransition),
		errors.Is(err, market.ErrInvalidStateForOperation),
		errors.Is(err, market.ErrAlreadyResolved),
		errors.Is(err, market.ErrNotDisputed),
		errors.Is(err, market.ErrNoBids),
		errors.Is(err, market.ErrNoValidatorsAvailable):
		status = http.StatusConflict
	case errors.Is(err, funds.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, market.ErrInvariantViolation):
		s.logger.Error("invariant violation", "error", err)
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
