// Package handler содержит HTTP-обработчики API сервиса roscapool.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roscapool/roscapool-system/internal/middleware"
	"github.com/roscapool/roscapool-system/internal/model"
	"github.com/roscapool/roscapool-system/internal/repository"
	"github.com/roscapool/roscapool-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, name, password string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	CreatePool(ctx context.Context, userID int64, name string, amountCents int64, frequency string, totalRounds int) (*model.Pool, error)
	AddMember(ctx context.Context, userID int64, poolID uuid.UUID, email, name, payoutMethod, payoutHandle string) (*model.Member, error)
	GetPool(ctx context.Context, userID int64, poolID uuid.UUID) (*model.Pool, error)
	GetTransactions(ctx context.Context, userID int64, poolID uuid.UUID) ([]model.Transaction, error)
	RecordContribution(ctx context.Context, userID int64, poolID uuid.UUID, amountCents int64, method string) (*model.RoundPayment, error)
	RoundStatus(ctx context.Context, userID int64, poolID uuid.UUID) (*service.RoundStatus, error)
	CheckEarlyPayoutEligibility(ctx context.Context, userID int64, poolID uuid.UUID) (*service.EarlyPayoutVerification, error)
	ExecuteEarlyPayout(ctx context.Context, userID int64, poolID uuid.UUID, reason string) (*model.Transaction, error)
	ConfirmPayout(ctx context.Context, userID int64, poolID uuid.UUID, method, notes string) (*model.Transaction, error)
	AdvanceRound(ctx context.Context, userID int64, poolID uuid.UUID) (*model.Pool, error)
}

// Handler реализует HTTP-обработчики API сервиса roscapool.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError переводит ошибки бизнес-логики в HTTP-статусы. Каждый
// отказ несёт человекочитаемую причину: какой именно предикат не выполнен.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrPoolNotFound),
		errors.Is(err, repository.ErrMemberNotFound),
		errors.Is(err, repository.ErrTransactionNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotMember), errors.Is(err, service.ErrNotAdmin):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrMemberExists),
		errors.Is(err, repository.ErrPoolFull),
		errors.Is(err, repository.ErrAlreadyContributed),
		errors.Is(err, repository.ErrPayoutExists),
		errors.Is(err, repository.ErrInvalidState),
		errors.Is(err, service.ErrNotEligible):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrGatewayFailure):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func (h *Handler) poolID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "poolID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pool id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	token, err := h.authMiddleware.GenerateToken(userID, req.Email)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.GenerateToken(u.ID, u.Email)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type createPoolRequest struct {
	Name               string `json:"name"`
	ContributionAmount int64  `json:"contribution_amount"`
	Frequency          string `json:"frequency"`
	TotalRounds        int    `json:"total_rounds"`
}

type memberResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Position       int    `json:"position"`
	Role           string `json:"role"`
	Status         string `json:"status"`
	PayoutReceived bool   `json:"payout_received"`
	PayoutMethod   string `json:"payout_method"`
	TotalContrib   int64  `json:"total_contributed"`
	PaymentsOnTime int    `json:"payments_on_time"`
	PaymentsMissed int    `json:"payments_missed"`
}

type poolResponse struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Status             string           `json:"status"`
	ContributionAmount int64            `json:"contribution_amount"`
	Frequency          string           `json:"frequency"`
	CurrentRound       int              `json:"current_round"`
	TotalRounds        int              `json:"total_rounds"`
	TotalAmount        int64            `json:"total_amount"`
	NextPayoutDate     string           `json:"next_payout_date"`
	RoundPayoutStatus  string           `json:"round_payout_status"`
	Members            []memberResponse `json:"members"`
}

func toPoolResponse(p *model.Pool) poolResponse {
	resp := poolResponse{
		ID:                 p.ID.String(),
		Name:               p.Name,
		Status:             string(p.Status),
		ContributionAmount: p.ContributionAmount,
		Frequency:          string(p.Frequency),
		CurrentRound:       p.CurrentRound,
		TotalRounds:        p.TotalRounds,
		TotalAmount:        p.TotalAmount,
		NextPayoutDate:     p.NextPayoutDate.Format(time.RFC3339),
		RoundPayoutStatus:  string(p.RoundPayoutStatus),
	}
	for _, m := range p.Members {
		resp.Members = append(resp.Members, toMemberResponse(&m))
	}
	return resp
}

func toMemberResponse(m *model.Member) memberResponse {
	return memberResponse{
		ID:             m.ID.String(),
		Email:          m.Email,
		Name:           m.Name,
		Position:       m.Position,
		Role:           string(m.Role),
		Status:         string(m.Status),
		PayoutReceived: m.PayoutReceived,
		PayoutMethod:   string(m.PayoutMethod),
		TotalContrib:   m.TotalContributed,
		PaymentsOnTime: m.PaymentsOnTime,
		PaymentsMissed: m.PaymentsMissed,
	}
}

// CreatePool создаёт новый пул; создатель становится администратором.
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreatePool(r.Context(), userID, req.Name, req.ContributionAmount, req.Frequency, req.TotalRounds)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPoolResponse(p))
}

// GetPool возвращает сводку пула с участниками и состоянием выплаты.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	p, err := h.service.GetPool(r.Context(), userID, poolID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPoolResponse(p))
}

type addMemberRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	PayoutMethod string `json:"payout_method"`
	PayoutHandle string `json:"payout_handle"`
}

// AddMember добавляет участника на следующую свободную позицию ротации.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.AddMember(r.Context(), userID, poolID, req.Email, req.Name, req.PayoutMethod, req.PayoutHandle)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMemberResponse(m))
}

type transactionResponse struct {
	ID                  int64  `json:"id"`
	Type                string `json:"type"`
	Amount              int64  `json:"amount"`
	Round               int    `json:"round"`
	Member              string `json:"member"`
	Status              string `json:"status"`
	Date                string `json:"date"`
	ScheduledPayoutDate string `json:"scheduled_payout_date,omitempty"`
	ActualPayoutDate    string `json:"actual_payout_date,omitempty"`
	WasEarlyPayout      bool   `json:"was_early_payout,omitempty"`
	EarlyPayoutReason   string `json:"early_payout_reason,omitempty"`
	PaymentRef          string `json:"payment_ref,omitempty"`
	Method              string `json:"method,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID,
		Type:              string(t.Type),
		Amount:            t.Amount,
		Round:             t.Round,
		Member:            t.MemberName,
		Status:            string(t.Status),
		Date:              t.Date.Format(time.RFC3339),
		WasEarlyPayout:    t.WasEarlyPayout,
		EarlyPayoutReason: t.EarlyPayoutReason,
		PaymentRef:        t.PaymentRef,
		Method:            t.Method,
		Notes:             t.Notes,
	}
	if t.ScheduledPayoutDate != nil {
		resp.ScheduledPayoutDate = t.ScheduledPayoutDate.Format(time.RFC3339)
	}
	if t.ActualPayoutDate != nil {
		resp.ActualPayoutDate = t.ActualPayoutDate.Format(time.RFC3339)
	}
	return resp
}

// GetTransactions возвращает историю транзакций пула.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	transactions, err := h.service.GetTransactions(r.Context(), userID, poolID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, toTransactionResponse(&t))
	}

	writeJSON(w, http.StatusOK, resp)
}

type contributionRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

type contributionResponse struct {
	Round  int    `json:"round"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	Method string `json:"method"`
}

// RecordContribution фиксирует ручной взнос участника за активный раунд.
func (h *Handler) RecordContribution(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	var req contributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rp, err := h.service.RecordContribution(r.Context(), userID, poolID, req.Amount, req.Method)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, contributionResponse{
		Round:  rp.Round,
		Amount: rp.Amount,
		Status: string(rp.Status),
		Method: rp.Method,
	})
}

// RoundStatus возвращает постатусное состояние взносов активного раунда.
func (h *Handler) RoundStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	status, err := h.service.RoundStatus(r.Context(), userID, poolID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// EarlyPayoutStatus возвращает результат проверки права на досрочную выплату.
func (h *Handler) EarlyPayoutStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	verification, err := h.service.CheckEarlyPayoutEligibility(r.Context(), userID, poolID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verification)
}

type earlyPayoutRequest struct {
	Reason string `json:"reason"`
}

// ExecuteEarlyPayout выполняет досрочную выплату активного раунда.
func (h *Handler) ExecuteEarlyPayout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	var req earlyPayoutRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	t, err := h.service.ExecuteEarlyPayout(r.Context(), userID, poolID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type confirmPayoutRequest struct {
	Method string `json:"method"`
	Notes  string `json:"notes"`
}

// ConfirmPayout выполняет регулярную выплату, когда все взносы собраны.
func (h *Handler) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	var req confirmPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.ConfirmPayout(r.Context(), userID, poolID, req.Method, req.Notes)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

// AdvanceRound переводит пул к следующему раунду после завершённой выплаты.
func (h *Handler) AdvanceRound(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}

	p, err := h.service.AdvanceRound(r.Context(), userID, poolID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPoolResponse(p))
}
