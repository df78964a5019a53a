// Package service реализует бизнес-логику эскроу-сервиса:
// создание сессий оплаты, сведение событий оплаты и плановую сверку.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/escrow-system/internal/gateway"
	"github.com/mmeshcher/escrow-system/internal/model"
	"github.com/mmeshcher/escrow-system/internal/validation"
)

// ErrUnauthorized возвращается, если инициатор не управляет указанным контрактом.
var (
	ErrUnauthorized = errors.New("caller is not allowed to manage this contract")
	// ErrInvalidState возвращается при нарушении предусловия на статус сущности.
	ErrInvalidState = errors.New("entity state does not allow this operation")
	// ErrGateway возвращается при сбое обращения к платёжному шлюзу.
	ErrGateway = errors.New("payment gateway request failed")
	// ErrCoreWrite возвращается, если не удалась ни одна из ключевых записей перехода.
	ErrCoreWrite = errors.New("core ledger writes failed")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreatePayment(ctx context.Context, contractID int64, sessionID string, amountTotal, platformFee int64) (int64, error)
	GetPaymentBySessionID(ctx context.Context, sessionID string) (*model.Payment, error)
	CompletePayment(ctx context.Context, sessionID, paymentIntentID string, completedAt time.Time) (bool, error)
	ExpirePayment(ctx context.Context, sessionID string) (bool, error)
	GetContractByID(ctx context.Context, id int64) (*model.Contract, error)
	ActivateContract(ctx context.Context, id int64, fundedAt time.Time) (bool, error)
	GetMilestoneByID(ctx context.Context, id int64) (*model.Milestone, error)
	ListAwaitingMilestoneIDs(ctx context.Context, contractID int64) ([]int64, error)
	FundMilestones(ctx context.Context, contractID int64, ids []int64) (int64, error)
	FundAllMilestones(ctx context.Context, contractID int64) (int64, error)
	DeliverMilestone(ctx context.Context, id int64, deliveredAt time.Time) (bool, error)
	AcceptMilestone(ctx context.Context, id int64) (bool, error)
	AcceptOverdueMilestones(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	StartApplication(ctx context.Context, id int64) (bool, error)
	RepairCompletedApplications(ctx context.Context) (int64, error)
	RepairActiveApplications(ctx context.Context) (int64, error)
	RepairInProgressOffers(ctx context.Context) (int64, error)
	RepairClosedOffers(ctx context.Context) (int64, error)
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.CheckoutSession, error)
	GetSession(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error)
}

// Notifier описывает контракт отправки уведомлений. Реализация не возвращает
// ошибок: доставка уведомлений не влияет на результат перехода.
type Notifier interface {
	ContractFunded(ctx context.Context, contractID, studentID int64)
}

// Options содержит настройки бизнес-логики.
type Options struct {
	FeePercent    int
	AcceptGrace   time.Duration
	SweepInterval time.Duration
}

// Лимит вех, принимаемых автоматически за один проход сверки.
const sweepBatchLimit = 100

// Service содержит бизнес-логику эскроу-сервиса.
type Service struct {
	repo     Repository
	gw       Gateway
	notifier Notifier
	logger   *zap.Logger

	feePercent    int
	acceptGrace   time.Duration
	sweepInterval time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом шлюза и эмиттером уведомлений.
func NewService(repo Repository, gw Gateway, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FeePercent <= 0 {
		opts.FeePercent = 10
	}
	if opts.AcceptGrace <= 0 {
		opts.AcceptGrace = 72 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 3 * time.Minute
	}

	return &Service{
		repo:          repo,
		gw:            gw,
		notifier:      notifier,
		logger:        logger,
		feePercent:    opts.FeePercent,
		acceptGrace:   opts.AcceptGrace,
		sweepInterval: opts.SweepInterval,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckoutResult содержит данные созданной сессии оплаты.
type CheckoutResult struct {
	SessionID string
	URL       string
}

// CreateCheckout создаёт сессию оплаты контракта и платёж в статусе pending.
// Контракт и вехи здесь не изменяются: пополнение фиксируется только сведением события оплаты.
func (s *Service) CreateCheckout(ctx context.Context, p model.Principal, contractID, applicationID, amount int64) (*CheckoutResult, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidState)
	}

	contract, err := s.repo.GetContractByID(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if !p.System && p.UserID != contract.CompanyID {
		return nil, ErrUnauthorized
	}

	if contract.TermsStatus != model.TermsStatusAgreed {
		return nil, fmt.Errorf("%w: contract terms are not agreed", ErrInvalidState)
	}
	if contract.Status != model.ContractStatusAwaitingFunding && contract.Status != model.ContractStatusDraft {
		return nil, fmt.Errorf("%w: contract is already funded", ErrInvalidState)
	}

	milestoneIDs, err := s.repo.ListAwaitingMilestoneIDs(ctx, contractID)
	if err != nil {
		return nil, err
	}

	fee := validation.PlatformFee(amount, s.feePercent)

	sess, err := s.gw.CreateSession(ctx, gateway.CreateSessionRequest{
		AmountTotal: amount,
		Metadata: map[string]string{
			"contract_id":    strconv.FormatInt(contractID, 10),
			"application_id": strconv.FormatInt(applicationID, 10),
			"milestone_ids":  joinIDs(milestoneIDs),
			"fee":            strconv.FormatInt(fee, 10),
			"user_id":        strconv.FormatInt(p.UserID, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	if _, err := s.repo.CreatePayment(ctx, contractID, sess.ID, amount, fee); err != nil {
		return nil, err
	}

	return &CheckoutResult{
		SessionID: sess.ID,
		URL:       sess.URL,
	}, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// ReconcileStatus описывает итог сведения события оплаты.
type ReconcileStatus string

const (
	ReconcileSuccess          ReconcileStatus = "success"
	ReconcileAlreadyProcessed ReconcileStatus = "already_processed"
	ReconcileNotPaid          ReconcileStatus = "not_paid"
)

// ReconcileResult содержит итог сведения события оплаты.
// Partial означает, что часть записей перехода не прошла и будет
// довершена плановой сверкой.
type ReconcileResult struct {
	Status        ReconcileStatus
	PaymentStatus string
	Partial       bool
}

// ReconcileSession сводит событие оплаты по сессии к согласованному состоянию
// Payment/Milestone/Contract/Application. Вызов идемпотентен: повторная доставка
// события и гонка вебхука с клиентской проверкой дают один успешный переход.
// sess может быть nil — тогда состояние сессии запрашивается у шлюза.
func (s *Service) ReconcileSession(ctx context.Context, p model.Principal, sessionID string, sess *gateway.CheckoutSession) (*ReconcileResult, error) {
	payment, err := s.repo.GetPaymentBySessionID(ctx, sessionID)
	if err != nil {
		// Неизвестная сессия не наша: событие отбрасывается без ретраев.
		return nil, err
	}

	contract, err := s.repo.GetContractByID(ctx, payment.ContractID)
	if err != nil {
		return nil, err
	}

	if contract.Status == model.ContractStatusActive || contract.Status == model.ContractStatusCompleted {
		return &ReconcileResult{Status: ReconcileAlreadyProcessed}, nil
	}

	if !p.System && p.UserID != contract.CompanyID {
		return nil, ErrUnauthorized
	}

	if sess == nil {
		sess, err = s.gw.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}

	if sess.PaymentStatus != gateway.PaymentStatusPaid {
		return &ReconcileResult{Status: ReconcileNotPaid, PaymentStatus: sess.PaymentStatus}, nil
	}

	// Подшаги перехода независимы: сбой одного не отменяет остальные,
	// расхождение довершит плановая сверка.
	now := time.Now().UTC()
	var failed int

	if _, err := s.repo.CompletePayment(ctx, sessionID, sess.PaymentIntentID, now); err != nil {
		s.logger.Error("complete payment", zap.String("sessionID", sessionID), zap.Error(err))
		failed++
	}

	if ids, ok := validation.ParseMilestoneIDs(sess.Metadata["milestone_ids"]); ok {
		if _, err := s.repo.FundMilestones(ctx, contract.ID, ids); err != nil {
			s.logger.Error("fund milestones", zap.Int64("contractID", contract.ID), zap.Error(err))
			failed++
		}
	} else {
		// Потеря метаданных не должна оставить вехи без оплаты.
		if _, err := s.repo.FundAllMilestones(ctx, contract.ID); err != nil {
			s.logger.Error("fund all milestones", zap.Int64("contractID", contract.ID), zap.Error(err))
			failed++
		}
	}

	if _, err := s.repo.ActivateContract(ctx, contract.ID, now); err != nil {
		s.logger.Error("activate contract", zap.Int64("contractID", contract.ID), zap.Error(err))
		failed++
	}

	if failed == 3 {
		return nil, fmt.Errorf("%w: session %s", ErrCoreWrite, sessionID)
	}

	partial := failed > 0

	if contract.ApplicationID != nil {
		if _, err := s.repo.StartApplication(ctx, *contract.ApplicationID); err != nil {
			s.logger.Error("start application", zap.Int64("applicationID", *contract.ApplicationID), zap.Error(err))
			partial = true
		}
	}

	if s.notifier != nil {
		go s.notifier.ContractFunded(context.WithoutCancel(ctx), contract.ID, contract.StudentID)
	}

	return &ReconcileResult{Status: ReconcileSuccess, Partial: partial}, nil
}

// ExpireSession переводит платёж просроченной сессии pending -> expired.
// Остальные сущности не изменяются.
func (s *Service) ExpireSession(ctx context.Context, sessionID string) (bool, error) {
	if _, err := s.repo.GetPaymentBySessionID(ctx, sessionID); err != nil {
		return false, err
	}
	return s.repo.ExpirePayment(ctx, sessionID)
}

// DeliverMilestone отмечает веху как сданную студентом.
func (s *Service) DeliverMilestone(ctx context.Context, p model.Principal, milestoneID int64) error {
	m, err := s.repo.GetMilestoneByID(ctx, milestoneID)
	if err != nil {
		return err
	}

	contract, err := s.repo.GetContractByID(ctx, m.ContractID)
	if err != nil {
		return err
	}

	if !p.System && p.UserID != contract.StudentID {
		return ErrUnauthorized
	}

	ok, err := s.repo.DeliverMilestone(ctx, milestoneID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: milestone is not funded", ErrInvalidState)
	}

	return nil
}

// AcceptMilestone принимает сданную веху от имени компании.
func (s *Service) AcceptMilestone(ctx context.Context, p model.Principal, milestoneID int64) error {
	m, err := s.repo.GetMilestoneByID(ctx, milestoneID)
	if err != nil {
		return err
	}

	contract, err := s.repo.GetContractByID(ctx, m.ContractID)
	if err != nil {
		return err
	}

	if !p.System && p.UserID != contract.CompanyID {
		return ErrUnauthorized
	}

	ok, err := s.repo.AcceptMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: milestone is not delivered", ErrInvalidState)
	}

	return nil
}

// SweepResult содержит итог одного прохода плановой сверки.
type SweepResult struct {
	AcceptedMilestones int64
	RepairFailures     int
}

// RunSweep выполняет один проход плановой сверки: автоприём просроченных вех,
// затем выравнивание статусов откликов и офферов по статусу контрактов.
// Ремонтные правила монотонны и идемпотентны, их можно выполнять сколь угодно часто.
func (s *Service) RunSweep(ctx context.Context) (*SweepResult, error) {
	cutoff := time.Now().UTC().Add(-s.acceptGrace)

	accepted, err := s.repo.AcceptOverdueMilestones(ctx, cutoff, sweepBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("accept overdue milestones: %w", err)
	}

	res := &SweepResult{AcceptedMilestones: accepted}

	// Порядок правил фиксирован: более сильный статус применяется раньше,
	// чтобы его не перебило устаревшее состояние. Сбой одного правила
	// не блокирует остальные.
	repairs := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"completed applications", s.repo.RepairCompletedApplications},
		{"active applications", s.repo.RepairActiveApplications},
		{"in-progress offers", s.repo.RepairInProgressOffers},
		{"closed offers", s.repo.RepairClosedOffers},
	}

	for _, r := range repairs {
		n, err := r.fn(ctx)
		if err != nil {
			s.logger.Error("repair pass failed", zap.String("rule", r.name), zap.Error(err))
			res.RepairFailures++
			continue
		}
		if n > 0 {
			s.logger.Info("repair pass converged rows", zap.String("rule", r.name), zap.Int64("rows", n))
		}
	}

	return res, nil
}

// StartSweep запускает фоновый процесс плановой сверки.
func (s *Service) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunSweep(ctx); err != nil {
					s.logger.Error("scheduled sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
