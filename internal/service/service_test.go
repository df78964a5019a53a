package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/escrow-system/internal/gateway"
	"github.com/mmeshcher/escrow-system/internal/model"
	"github.com/mmeshcher/escrow-system/internal/repository"
)

// stubRepo — репозиторий в памяти, достаточный для проверки переходов.
type stubRepo struct {
	payments     map[string]*model.Payment
	contracts    map[int64]*model.Contract
	milestones   map[int64]*model.Milestone
	applications map[int64]*model.Application

	completePaymentErr error
	fundErr            error
	activateErr        error
	startAppErr        error

	acceptOverdueN   int64
	acceptOverdueErr error
	repairErr        map[string]error

	repairCalls []string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		payments:     make(map[string]*model.Payment),
		contracts:    make(map[int64]*model.Contract),
		milestones:   make(map[int64]*model.Milestone),
		applications: make(map[int64]*model.Application),
		repairErr:    make(map[string]error),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreatePayment(ctx context.Context, contractID int64, sessionID string, amountTotal, platformFee int64) (int64, error) {
	if _, ok := s.payments[sessionID]; ok {
		return 0, repository.ErrPaymentExists
	}
	id := int64(len(s.payments) + 1)
	s.payments[sessionID] = &model.Payment{
		ID:          id,
		ContractID:  contractID,
		SessionID:   sessionID,
		AmountTotal: amountTotal,
		PlatformFee: platformFee,
		Status:      model.PaymentStatusPending,
		CreatedAt:   time.Now(),
	}
	return id, nil
}

func (s *stubRepo) GetPaymentBySessionID(ctx context.Context, sessionID string) (*model.Payment, error) {
	p, ok := s.payments[sessionID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) CompletePayment(ctx context.Context, sessionID, paymentIntentID string, completedAt time.Time) (bool, error) {
	if s.completePaymentErr != nil {
		return false, s.completePaymentErr
	}
	p, ok := s.payments[sessionID]
	if !ok || p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = model.PaymentStatusCompleted
	p.PaymentIntentID = paymentIntentID
	p.CompletedAt = &completedAt
	return true, nil
}

func (s *stubRepo) ExpirePayment(ctx context.Context, sessionID string) (bool, error) {
	p, ok := s.payments[sessionID]
	if !ok || p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = model.PaymentStatusExpired
	return true, nil
}

func (s *stubRepo) GetContractByID(ctx context.Context, id int64) (*model.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, repository.ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *stubRepo) ActivateContract(ctx context.Context, id int64, fundedAt time.Time) (bool, error) {
	if s.activateErr != nil {
		return false, s.activateErr
	}
	c, ok := s.contracts[id]
	if !ok {
		return false, nil
	}
	if c.Status != model.ContractStatusAwaitingFunding && c.Status != model.ContractStatusDraft {
		return false, nil
	}
	c.Status = model.ContractStatusActive
	c.FundedAt = &fundedAt
	return true, nil
}

func (s *stubRepo) GetMilestoneByID(ctx context.Context, id int64) (*model.Milestone, error) {
	m, ok := s.milestones[id]
	if !ok {
		return nil, repository.ErrMilestoneNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *stubRepo) ListAwaitingMilestoneIDs(ctx context.Context, contractID int64) ([]int64, error) {
	var ids []int64
	for id, m := range s.milestones {
		if m.ContractID == contractID && m.Status == model.MilestoneStatusAwaitingFunding {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *stubRepo) FundMilestones(ctx context.Context, contractID int64, ids []int64) (int64, error) {
	if s.fundErr != nil {
		return 0, s.fundErr
	}
	var n int64
	for _, id := range ids {
		m, ok := s.milestones[id]
		if ok && m.ContractID == contractID && m.Status == model.MilestoneStatusAwaitingFunding {
			m.Status = model.MilestoneStatusFunded
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) FundAllMilestones(ctx context.Context, contractID int64) (int64, error) {
	if s.fundErr != nil {
		return 0, s.fundErr
	}
	var n int64
	for _, m := range s.milestones {
		if m.ContractID == contractID && m.Status == model.MilestoneStatusAwaitingFunding {
			m.Status = model.MilestoneStatusFunded
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) DeliverMilestone(ctx context.Context, id int64, deliveredAt time.Time) (bool, error) {
	m, ok := s.milestones[id]
	if !ok || m.Status != model.MilestoneStatusFunded {
		return false, nil
	}
	m.Status = model.MilestoneStatusDelivered
	m.DeliveredAt = &deliveredAt
	return true, nil
}

func (s *stubRepo) AcceptMilestone(ctx context.Context, id int64) (bool, error) {
	m, ok := s.milestones[id]
	if !ok || m.Status != model.MilestoneStatusDelivered {
		return false, nil
	}
	m.Status = model.MilestoneStatusAccepted
	return true, nil
}

func (s *stubRepo) AcceptOverdueMilestones(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.acceptOverdueN, s.acceptOverdueErr
}

func (s *stubRepo) StartApplication(ctx context.Context, id int64) (bool, error) {
	if s.startAppErr != nil {
		return false, s.startAppErr
	}
	a, ok := s.applications[id]
	if !ok || a.Status != model.ApplicationStatusAccepted {
		return false, nil
	}
	a.Status = model.ApplicationStatusInProgress
	a.RealizationStatus = model.ApplicationStatusInProgress
	return true, nil
}

func (s *stubRepo) repair(name string) (int64, error) {
	s.repairCalls = append(s.repairCalls, name)
	return 0, s.repairErr[name]
}

func (s *stubRepo) RepairCompletedApplications(ctx context.Context) (int64, error) {
	return s.repair("completed_applications")
}

func (s *stubRepo) RepairActiveApplications(ctx context.Context) (int64, error) {
	return s.repair("active_applications")
}

func (s *stubRepo) RepairInProgressOffers(ctx context.Context) (int64, error) {
	return s.repair("in_progress_offers")
}

func (s *stubRepo) RepairClosedOffers(ctx context.Context) (int64, error) {
	return s.repair("closed_offers")
}

type stubGateway struct {
	createResp *gateway.CheckoutSession
	createErr  error
	lastCreate gateway.CreateSessionRequest

	getResp *gateway.CheckoutSession
	getErr  error
	getCalls int
}

func (g *stubGateway) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.CheckoutSession, error) {
	g.lastCreate = req
	return g.createResp, g.createErr
}

func (g *stubGateway) GetSession(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	g.getCalls++
	return g.getResp, g.getErr
}

type stubNotifier struct {
	funded chan int64
}

func (n *stubNotifier) ContractFunded(ctx context.Context, contractID, studentID int64) {
	select {
	case n.funded <- contractID:
	default:
	}
}

// seedFundingCase готовит контракт C1 (awaiting_funding, terms agreed) с вехой M1
// и откликом A1 (accepted), как в базовом сценарии пополнения.
func seedFundingCase(repo *stubRepo) {
	appID := int64(1)
	repo.applications[1] = &model.Application{
		ID: 1, OfferID: 1, StudentID: 20,
		Status:            model.ApplicationStatusAccepted,
		RealizationStatus: model.ApplicationStatusAccepted,
	}
	repo.contracts[1] = &model.Contract{
		ID: 1, CompanyID: 10, StudentID: 20, ApplicationID: &appID,
		TotalAmount: 10000,
		Status:      model.ContractStatusAwaitingFunding,
		TermsStatus: model.TermsStatusAgreed,
	}
	repo.milestones[1] = &model.Milestone{
		ID: 1, ContractID: 1, Title: "m1", Amount: 10000,
		Status: model.MilestoneStatusAwaitingFunding,
	}
	repo.payments["cs_1"] = &model.Payment{
		ID: 1, ContractID: 1, SessionID: "cs_1",
		AmountTotal: 10000, PlatformFee: 1000,
		Status:    model.PaymentStatusPending,
		CreatedAt: time.Now(),
	}
}

func paidSession(milestoneIDs string) *gateway.CheckoutSession {
	return &gateway.CheckoutSession{
		ID:              "cs_1",
		PaymentStatus:   gateway.PaymentStatusPaid,
		PaymentIntentID: "pi_1",
		Metadata: map[string]string{
			"contract_id":    "1",
			"application_id": "1",
			"milestone_ids":  milestoneIDs,
		},
	}
}

func TestCreateCheckout_Success(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	delete(repo.payments, "cs_1")

	gw := &stubGateway{
		createResp: &gateway.CheckoutSession{ID: "cs_new", URL: "https://pay.example/cs_new"},
	}
	svc := NewService(repo, gw, nil, nil, Options{FeePercent: 10})

	res, err := svc.CreateCheckout(context.Background(), model.UserPrincipal(10), 1, 1, 10000)
	if err != nil {
		t.Fatalf("CreateCheckout error: %v", err)
	}
	if res.SessionID != "cs_new" || res.URL == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if gw.lastCreate.AmountTotal != 10000 {
		t.Fatalf("amount_total = %d, want 10000", gw.lastCreate.AmountTotal)
	}
	if gw.lastCreate.Metadata["fee"] != "1000" {
		t.Fatalf("fee metadata = %q, want 1000", gw.lastCreate.Metadata["fee"])
	}
	if gw.lastCreate.Metadata["milestone_ids"] != "1" {
		t.Fatalf("milestone_ids metadata = %q, want 1", gw.lastCreate.Metadata["milestone_ids"])
	}

	p, ok := repo.payments["cs_new"]
	if !ok {
		t.Fatalf("pending payment was not created")
	}
	if p.Status != model.PaymentStatusPending || p.PlatformFee != 1000 {
		t.Fatalf("unexpected payment: %+v", p)
	}

	// Контракт и веха не меняются до сведения события оплаты.
	if repo.contracts[1].Status != model.ContractStatusAwaitingFunding {
		t.Fatalf("contract status changed by checkout: %s", repo.contracts[1].Status)
	}
	if repo.milestones[1].Status != model.MilestoneStatusAwaitingFunding {
		t.Fatalf("milestone status changed by checkout: %s", repo.milestones[1].Status)
	}
}

func TestCreateCheckout_Unauthorized(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	_, err := svc.CreateCheckout(context.Background(), model.UserPrincipal(99), 1, 1, 10000)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCreateCheckout_InvalidState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *model.Contract)
	}{
		{
			name:   "terms not agreed",
			mutate: func(c *model.Contract) { c.TermsStatus = model.TermsStatusPending },
		},
		{
			name:   "already active",
			mutate: func(c *model.Contract) { c.Status = model.ContractStatusActive },
		},
		{
			name:   "completed",
			mutate: func(c *model.Contract) { c.Status = model.ContractStatusCompleted },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubRepo()
			seedFundingCase(repo)
			tt.mutate(repo.contracts[1])

			svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

			_, err := svc.CreateCheckout(context.Background(), model.UserPrincipal(10), 1, 1, 10000)
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestCreateCheckout_GatewayError(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	gw := &stubGateway{createErr: errors.New("connection refused")}
	svc := NewService(repo, gw, nil, nil, Options{})

	_, err := svc.CreateCheckout(context.Background(), model.UserPrincipal(10), 1, 1, 10000)
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
}

func TestReconcileSession_FundsContract(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	notifier := &stubNotifier{funded: make(chan int64, 1)}
	svc := NewService(repo, &stubGateway{}, notifier, nil, Options{})

	res, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession("1"))
	if err != nil {
		t.Fatalf("ReconcileSession error: %v", err)
	}
	if res.Status != ReconcileSuccess || res.Partial {
		t.Fatalf("unexpected result: %+v", res)
	}

	p := repo.payments["cs_1"]
	if p.Status != model.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", p.Status)
	}
	if p.PaymentIntentID != "pi_1" || p.CompletedAt == nil {
		t.Fatalf("payment intent/completed_at not recorded: %+v", p)
	}

	if repo.milestones[1].Status != model.MilestoneStatusFunded {
		t.Fatalf("milestone status = %s, want funded", repo.milestones[1].Status)
	}

	c := repo.contracts[1]
	if c.Status != model.ContractStatusActive || c.FundedAt == nil {
		t.Fatalf("contract not activated: %+v", c)
	}

	a := repo.applications[1]
	if a.Status != model.ApplicationStatusInProgress || a.RealizationStatus != model.ApplicationStatusInProgress {
		t.Fatalf("application not started: %+v", a)
	}

	select {
	case id := <-notifier.funded:
		if id != 1 {
			t.Fatalf("notified contract = %d, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("funded notification was not emitted")
	}
}

func TestReconcileSession_FallbackAllMilestones(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.milestones[2] = &model.Milestone{
		ID: 2, ContractID: 1, Title: "m2", Amount: 5000,
		Status: model.MilestoneStatusAwaitingFunding,
	}

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	// Пустой список вех в метаданных: оплачиваются все вехи контракта.
	res, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession(""))
	if err != nil {
		t.Fatalf("ReconcileSession error: %v", err)
	}
	if res.Status != ReconcileSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	if repo.milestones[1].Status != model.MilestoneStatusFunded {
		t.Fatalf("milestone 1 status = %s, want funded", repo.milestones[1].Status)
	}
	if repo.milestones[2].Status != model.MilestoneStatusFunded {
		t.Fatalf("milestone 2 status = %s, want funded", repo.milestones[2].Status)
	}
}

func TestReconcileSession_Idempotent(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	first, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession("1"))
	if err != nil {
		t.Fatalf("first ReconcileSession error: %v", err)
	}
	if first.Status != ReconcileSuccess {
		t.Fatalf("first status = %s, want success", first.Status)
	}

	fundedAt := *repo.contracts[1].FundedAt

	// Повторная доставка того же события не меняет состояние.
	for i := 0; i < 3; i++ {
		res, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession("1"))
		if err != nil {
			t.Fatalf("replay %d error: %v", i, err)
		}
		if res.Status != ReconcileAlreadyProcessed {
			t.Fatalf("replay %d status = %s, want already_processed", i, res.Status)
		}
	}

	if !repo.contracts[1].FundedAt.Equal(fundedAt) {
		t.Fatalf("funded_at changed on replay")
	}
	if repo.payments["cs_1"].Status != model.PaymentStatusCompleted {
		t.Fatalf("payment status changed on replay: %s", repo.payments["cs_1"].Status)
	}
}

func TestReconcileSession_NotPaid(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	sess := paidSession("1")
	sess.PaymentStatus = "unpaid"

	res, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", sess)
	if err != nil {
		t.Fatalf("ReconcileSession error: %v", err)
	}
	if res.Status != ReconcileNotPaid || res.PaymentStatus != "unpaid" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if repo.payments["cs_1"].Status != model.PaymentStatusPending {
		t.Fatalf("payment must stay pending, got %s", repo.payments["cs_1"].Status)
	}
	if repo.contracts[1].Status != model.ContractStatusAwaitingFunding {
		t.Fatalf("contract must stay awaiting_funding, got %s", repo.contracts[1].Status)
	}
}

func TestReconcileSession_UnknownSessionDropped(t *testing.T) {
	repo := newStubRepo()

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	_, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_alien", nil)
	if !errors.Is(err, repository.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestReconcileSession_Unauthorized(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	_, err := svc.ReconcileSession(context.Background(), model.UserPrincipal(99), "cs_1", paidSession("1"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if repo.contracts[1].Status != model.ContractStatusAwaitingFunding {
		t.Fatalf("contract changed by unauthorized call: %s", repo.contracts[1].Status)
	}
}

func TestReconcileSession_VerifyPathFetchesSession(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	gw := &stubGateway{getResp: paidSession("1")}
	svc := NewService(repo, gw, nil, nil, Options{})

	res, err := svc.ReconcileSession(context.Background(), model.UserPrincipal(10), "cs_1", nil)
	if err != nil {
		t.Fatalf("ReconcileSession error: %v", err)
	}
	if res.Status != ReconcileSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if gw.getCalls != 1 {
		t.Fatalf("gateway GetSession calls = %d, want 1", gw.getCalls)
	}
}

func TestReconcileSession_PartialWriteIsNotFatal(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.startAppErr = errors.New("connection reset by peer")

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	res, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession("1"))
	if err != nil {
		t.Fatalf("ReconcileSession error: %v", err)
	}
	if res.Status != ReconcileSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if !res.Partial {
		t.Fatalf("expected partial result after application write failure")
	}

	// Ключевые записи прошли, расхождение довершит сверка.
	if repo.contracts[1].Status != model.ContractStatusActive {
		t.Fatalf("contract status = %s, want active", repo.contracts[1].Status)
	}
}

func TestReconcileSession_AllCoreWritesFailed(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.completePaymentErr = errors.New("down")
	repo.fundErr = errors.New("down")
	repo.activateErr = errors.New("down")

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	_, err := svc.ReconcileSession(context.Background(), model.SystemPrincipal(), "cs_1", paidSession("1"))
	if !errors.Is(err, ErrCoreWrite) {
		t.Fatalf("expected ErrCoreWrite, got %v", err)
	}
}

func TestExpireSession(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	ok, err := svc.ExpireSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("ExpireSession error: %v", err)
	}
	if !ok {
		t.Fatalf("expected payment to expire")
	}

	if repo.payments["cs_1"].Status != model.PaymentStatusExpired {
		t.Fatalf("payment status = %s, want expired", repo.payments["cs_1"].Status)
	}

	// Остальные сущности не затрагиваются.
	if repo.contracts[1].Status != model.ContractStatusAwaitingFunding {
		t.Fatalf("contract changed by expiry: %s", repo.contracts[1].Status)
	}
	if repo.milestones[1].Status != model.MilestoneStatusAwaitingFunding {
		t.Fatalf("milestone changed by expiry: %s", repo.milestones[1].Status)
	}
	if repo.applications[1].Status != model.ApplicationStatusAccepted {
		t.Fatalf("application changed by expiry: %s", repo.applications[1].Status)
	}
}

func TestExpireSession_AfterCompletionIsNoop(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.payments["cs_1"].Status = model.PaymentStatusCompleted

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	ok, err := svc.ExpireSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("ExpireSession error: %v", err)
	}
	if ok {
		t.Fatalf("completed payment must not be expired")
	}
	if repo.payments["cs_1"].Status != model.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", repo.payments["cs_1"].Status)
	}
}

func TestDeliverMilestone(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.milestones[1].Status = model.MilestoneStatusFunded

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	if err := svc.DeliverMilestone(context.Background(), model.UserPrincipal(20), 1); err != nil {
		t.Fatalf("DeliverMilestone error: %v", err)
	}

	m := repo.milestones[1]
	if m.Status != model.MilestoneStatusDelivered || m.DeliveredAt == nil {
		t.Fatalf("milestone not delivered: %+v", m)
	}
}

func TestDeliverMilestone_Unauthorized(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)
	repo.milestones[1].Status = model.MilestoneStatusFunded

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	// Компания не может сдавать работу за студента.
	err := svc.DeliverMilestone(context.Background(), model.UserPrincipal(10), 1)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAcceptMilestone_InvalidState(t *testing.T) {
	repo := newStubRepo()
	seedFundingCase(repo)

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	err := svc.AcceptMilestone(context.Background(), model.UserPrincipal(10), 1)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRunSweep_OrderAndResilience(t *testing.T) {
	repo := newStubRepo()
	repo.acceptOverdueN = 2
	repo.repairErr["active_applications"] = errors.New("down")

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	res, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep error: %v", err)
	}
	if res.AcceptedMilestones != 2 {
		t.Fatalf("accepted = %d, want 2", res.AcceptedMilestones)
	}
	if res.RepairFailures != 1 {
		t.Fatalf("repair failures = %d, want 1", res.RepairFailures)
	}

	want := []string{"completed_applications", "active_applications", "in_progress_offers", "closed_offers"}
	if len(repo.repairCalls) != len(want) {
		t.Fatalf("repair calls = %v, want %v", repo.repairCalls, want)
	}
	for i, name := range want {
		if repo.repairCalls[i] != name {
			t.Fatalf("repair call %d = %s, want %s", i, repo.repairCalls[i], name)
		}
	}
}

func TestRunSweep_RepairRunsWithoutOverdueMilestones(t *testing.T) {
	repo := newStubRepo()

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	res, err := svc.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep error: %v", err)
	}
	if res.AcceptedMilestones != 0 {
		t.Fatalf("accepted = %d, want 0", res.AcceptedMilestones)
	}
	if len(repo.repairCalls) != 4 {
		t.Fatalf("repair pass must run unconditionally, got calls %v", repo.repairCalls)
	}
}

func TestRunSweep_AcceptFailureIsFatal(t *testing.T) {
	repo := newStubRepo()
	repo.acceptOverdueErr = errors.New("down")

	svc := NewService(repo, &stubGateway{}, nil, nil, Options{})

	if _, err := svc.RunSweep(context.Background()); err == nil {
		t.Fatalf("expected error when auto-accept fails")
	}
}

func TestStartSweep_StopsOnContextCancel(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, &stubGateway{}, nil, nil, Options{SweepInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartSweep(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartSweep did not return")
	}
}
