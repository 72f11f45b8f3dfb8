// Package server exposes the ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/wallet-ledger/internal/ledger"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

const idempotencyHeader = "Idempotency-Key"

// Ledger is the part of the processor the handlers call.
type Ledger interface {
	OpenAccount(ctx context.Context, accountID, currency string) (models.Account, error)
	CloseAccount(ctx context.Context, accountID string) (models.Account, error)
	Account(ctx context.Context, accountID string) (models.Account, error)
	History(ctx context.Context, accountID string) ([]models.Transaction, error)
	Audit(ctx context.Context, accountID string) (ledger.AuditReport, error)
	Process(ctx context.Context, accountID, requestKey string, amount int64) (ledger.Result, error)
}

// Searcher serves the transaction search. It is optional.
type Searcher interface {
	Search(ctx context.Context, q models.SearchQuery) iter.Seq2[models.TransactionDocument, error]
}

// HealthFunc adds component states to the health response.
type HealthFunc func(ctx context.Context) map[string]string

type Server struct {
	ledger   Ledger
	searcher Searcher
	health   HealthFunc
	logger   logging.Logger
}

type Option func(*Server)

func WithSearcher(s Searcher) Option {
	return func(srv *Server) { srv.searcher = s }
}

func WithHealth(fn HealthFunc) Option {
	return func(srv *Server) { srv.health = fn }
}

func WithLogger(logger logging.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

func New(l Ledger, opts ...Option) *Server {
	s := &Server{ledger: l, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /accounts", s.handleOpenAccount)
	mux.HandleFunc("GET /accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("POST /accounts/{id}/close", s.handleCloseAccount)
	mux.HandleFunc("POST /accounts/{id}/transactions", s.handlePostTransaction)
	mux.HandleFunc("GET /accounts/{id}/transactions", s.handleHistory)
	mux.HandleFunc("GET /accounts/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /search/transactions", s.handleSearch)

	return s.logRequests(mux)
}

type accountResponse struct {
	AccountID      string               `json:"accountId"`
	Currency       string               `json:"currency"`
	Balance        int64                `json:"balance"`
	DisplayBalance decimal.Decimal      `json:"displayBalance"`
	Version        int64                `json:"version"`
	Status         models.AccountStatus `json:"status"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

func toAccountResponse(a models.Account) accountResponse {
	return accountResponse{
		AccountID:      a.ID,
		Currency:       a.Currency,
		Balance:        a.Balance,
		DisplayBalance: models.MajorUnits(a.Balance, a.Currency),
		Version:        a.Version,
		Status:         a.Status,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type transactionResponse struct {
	TransactionID    string                   `json:"transactionId"`
	RequestKey       string                   `json:"requestKey"`
	Amount           int64                    `json:"amount"`
	Status           models.TransactionStatus `json:"status"`
	ResultingBalance int64                    `json:"resultingBalance"`
	Version          int64                    `json:"version,omitempty"`
	RejectReason     string                   `json:"rejectReason,omitempty"`
	CreatedAt        time.Time                `json:"createdAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health(r.Context()) {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"accountId"`
		Currency  string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := s.ledger.OpenAccount(r.Context(), req.AccountID, req.Currency)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.CloseAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

// handlePostTransaction takes the amount in major units, signed: positive
// credits, negative debits.
func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, idempotencyHeader+" header is required")
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := s.ledger.Account(r.Context(), accountID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	amount, err := models.MinorUnits(req.Amount, acct.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.ledger.Process(r.Context(), accountID, key, amount)

	// a replay reports the recorded amount, not the one in this request
	if result.TransactionID != "" {
		amount = result.Amount
	}

	body := map[string]any{
		"transactionId":           result.TransactionID,
		"accountId":               accountID,
		"status":                  result.Status,
		"amount":                  amount,
		"resultingBalance":        result.ResultingBalance,
		"displayResultingBalance": models.MajorUnits(result.ResultingBalance, acct.Currency),
		"replayed":                result.Replayed,
	}

	switch {
	case err == nil && result.Replayed:
		writeJSON(w, http.StatusOK, body)
	case err == nil:
		writeJSON(w, http.StatusCreated, body)
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrAccountClosed):
		body["error"] = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, body)
	default:
		s.writeLedgerError(w, r, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			TransactionID:    tx.ID,
			RequestKey:       tx.RequestKey,
			Amount:           tx.Amount,
			Status:           tx.Status,
			ResultingBalance: tx.ResultingBalance,
			Version:          tx.Version,
			RejectReason:     tx.RejectReason,
			CreatedAt:        tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusNotImplemented, "search is not enabled on this instance")
		return
	}

	q, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs := []models.TransactionDocument{}
	for doc, err := range s.searcher.Search(r.Context(), q) {
		if err != nil {
			s.logger.Log(r.Context(), logging.LevelError, "search failed", logging.Err(err))
			writeError(w, http.StatusServiceUnavailable, "search temporarily unavailable")
			return
		}
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, docs)
}

func parseSearchQuery(r *http.Request) (models.SearchQuery, error) {
	v := r.URL.Query()
	q := models.SearchQuery{
		AccountID: v.Get("accountId"),
		Currency:  v.Get("currency"),
		Kind:      models.TransactionKind(v.Get("kind")),
	}

	if q.Kind != "" && q.Kind != models.KindCredit && q.Kind != models.KindDebit {
		return q, errors.New("kind must be credit or debit")
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if raw := v.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, errors.New(name + " must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return q, errors.New("limit must be between 1 and 1000")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAccountExists), errors.Is(err, ledger.ErrDuplicateInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrAccountClosed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Log(r.Context(), logging.LevelError, "request failed",
			logging.String("path", r.URL.Path), logging.Err(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, ledger.ErrTransient.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Log(r.Context(), logging.LevelDebug, "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("duration", time.Since(start)))
	})
}
