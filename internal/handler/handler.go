// Package handler содержит HTTP-обработчики API эскроу-сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/escrow-system/internal/gateway"
	"github.com/mmeshcher/escrow-system/internal/middleware"
	"github.com/mmeshcher/escrow-system/internal/model"
	"github.com/mmeshcher/escrow-system/internal/repository"
	"github.com/mmeshcher/escrow-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCheckout(ctx context.Context, p model.Principal, contractID, applicationID, amount int64) (*service.CheckoutResult, error)
	ReconcileSession(ctx context.Context, p model.Principal, sessionID string, sess *gateway.CheckoutSession) (*service.ReconcileResult, error)
	ExpireSession(ctx context.Context, sessionID string) (bool, error)
	DeliverMilestone(ctx context.Context, p model.Principal, milestoneID int64) error
	AcceptMilestone(ctx context.Context, p model.Principal, milestoneID int64) error
	RunSweep(ctx context.Context) (*service.SweepResult, error)
}

// Handler реализует HTTP-обработчики API эскроу-сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware

	webhookSecret string
	sweepToken    string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret, sweepToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
		sweepToken:     sweepToken,
	}
}

type checkoutRequest struct {
	ContractID    int64   `json:"contractId"`
	ApplicationID int64   `json:"applicationId"`
	Amount        float64 `json:"amount"`
}

type checkoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// CreateCheckout создаёт сессию оплаты контракта для текущей компании.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ContractID <= 0 || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount := int64(req.Amount * 100)

	res, err := h.service.CreateCheckout(r.Context(), model.UserPrincipal(userID), req.ContractID, req.ApplicationID, amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrContractNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidState):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrGateway):
			h.logger.Error("create checkout gateway error", zap.Error(err), zap.Int64("contractID", req.ContractID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("create checkout error", zap.Error(err), zap.Int64("contractID", req.ContractID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(checkoutResponse{URL: res.URL, SessionID: res.SessionID}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Webhook принимает события платёжного шлюза.
// Любое распознанное событие подтверждается кодом 200, кроме случаев,
// когда не прошла ни одна ключевая запись перехода: тогда шлюз повторит доставку.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.webhookSecret != "" {
		sig := r.Header.Get(gateway.SignatureHeader)
		if !gateway.VerifySignature(body, sig, h.webhookSecret) {
			h.logger.Warn("webhook signature mismatch")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	} else {
		h.logger.Warn("webhook signature verification disabled")
	}

	var ev gateway.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	switch ev.Type {
	case gateway.EventSessionCompleted:
		var sess gateway.CheckoutSession
		if err := json.Unmarshal(ev.Data.Object, &sess); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		_, err := h.service.ReconcileSession(r.Context(), model.SystemPrincipal(), sess.ID, &sess)
		if err != nil {
			if errors.Is(err, repository.ErrPaymentNotFound) {
				// Событие по чужой сессии: подтверждаем и отбрасываем.
				h.logger.Warn("webhook for unknown session", zap.String("sessionID", sess.ID))
				break
			}
			h.logger.Error("webhook reconcile error", zap.String("sessionID", sess.ID), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	case gateway.EventSessionExpired:
		var sess gateway.CheckoutSession
		if err := json.Unmarshal(ev.Data.Object, &sess); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if _, err := h.service.ExpireSession(r.Context(), sess.ID); err != nil {
			if errors.Is(err, repository.ErrPaymentNotFound) {
				h.logger.Warn("expiry for unknown session", zap.String("sessionID", sess.ID))
				break
			}
			h.logger.Error("webhook expire error", zap.String("sessionID", sess.ID), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	case gateway.EventPaymentFailed:
		h.logger.Info("payment failed event received")
	default:
		h.logger.Info("unhandled webhook event", zap.String("type", ev.Type))
	}

	w.WriteHeader(http.StatusOK)
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

type verifyResponse struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

// VerifySession сверяет состояние сессии оплаты после возврата пользователя со страницы шлюза.
// Вызов безопасно повторять: уже применённое событие даёт ответ already_processed.
func (h *Handler) VerifySession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SessionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReconcileSession(r.Context(), model.UserPrincipal(userID), req.SessionID, nil)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPaymentNotFound), errors.Is(err, repository.ErrContractNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrGateway):
			h.logger.Error("verify gateway error", zap.String("sessionID", req.SessionID), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("verify error", zap.String("sessionID", req.SessionID), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(verifyResponse{
		Status:        string(res.Status),
		PaymentStatus: res.PaymentStatus,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// DeliverMilestone отмечает веху сданной от имени текущего студента.
func (h *Handler) DeliverMilestone(w http.ResponseWriter, r *http.Request) {
	h.milestoneAction(w, r, h.service.DeliverMilestone)
}

// AcceptMilestone принимает сданную веху от имени текущей компании.
func (h *Handler) AcceptMilestone(w http.ResponseWriter, r *http.Request) {
	h.milestoneAction(w, r, h.service.AcceptMilestone)
}

func (h *Handler) milestoneAction(w http.ResponseWriter, r *http.Request, action func(context.Context, model.Principal, int64) error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	milestoneID, err := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	if err != nil || milestoneID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := action(r.Context(), model.UserPrincipal(userID), milestoneID); err != nil {
		switch {
		case errors.Is(err, repository.ErrMilestoneNotFound), errors.Is(err, repository.ErrContractNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidState):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("milestone action error", zap.Int64("milestoneID", milestoneID), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type sweepResponse struct {
	OK         bool             `json:"ok"`
	AutoAccept *autoAcceptStats `json:"autoAccept,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type autoAcceptStats struct {
	Accepted int64 `json:"accepted"`
}

// Sweep запускает проход плановой сверки по общему секрету.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok || h.sweepToken == "" || token != h.sweepToken {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.RunSweep(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		h.logger.Error("sweep error", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(sweepResponse{OK: false, Error: err.Error()})
		return
	}

	if res.RepairFailures > 0 {
		h.logger.Warn("sweep finished with repair failures", zap.Int("failures", res.RepairFailures))
	}

	_ = json.NewEncoder(w).Encode(sweepResponse{
		OK:         true,
		AutoAccept: &autoAcceptStats{Accepted: res.AcceptedMilestones},
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}
