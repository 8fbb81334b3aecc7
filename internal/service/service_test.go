package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roscapool/roscapool-system/internal/gateway"
	"github.com/roscapool/roscapool-system/internal/model"
	"github.com/roscapool/roscapool-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type resolveCall struct {
	txID       int64
	succeeded  bool
	paymentRef string
}

type stubRepo struct {
	pool    *model.Pool
	poolErr error

	roundContributions []model.Transaction
	transactions       []model.Transaction
	pendingPayouts     []model.Transaction

	intentErr error
	gotIntent *repository.PayoutIntent

	resolves   []resolveCall
	resolveErr error

	advanced   bool
	advanceErr error

	users map[int64]*model.User
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, email, name string, passwordHash []byte) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) CreatePool(ctx context.Context, p *model.Pool, creator *model.Member) error {
	s.pool = p
	return nil
}

func (s *stubRepo) AddMember(ctx context.Context, poolID uuid.UUID, m *model.Member) error {
	s.pool.Members = append(s.pool.Members, *m)
	return nil
}

func (s *stubRepo) GetPool(ctx context.Context, poolID uuid.UUID) (*model.Pool, error) {
	if s.poolErr != nil {
		return nil, s.poolErr
	}
	if s.pool == nil {
		return nil, repository.ErrPoolNotFound
	}
	return s.pool, nil
}

func (s *stubRepo) GetRoundContributions(ctx context.Context, poolID uuid.UUID, round int) ([]model.Transaction, error) {
	return s.roundContributions, nil
}

func (s *stubRepo) GetTransactionsByPool(ctx context.Context, poolID uuid.UUID) ([]model.Transaction, error) {
	return s.transactions, nil
}

func (s *stubRepo) GetPendingPayouts(ctx context.Context, pendingSince time.Time, limit int) ([]model.Transaction, error) {
	return s.pendingPayouts, nil
}

func (s *stubRepo) RecordContribution(ctx context.Context, poolID uuid.UUID, userID, amountCents int64, method string, now time.Time) (*model.RoundPayment, bool, error) {
	return &model.RoundPayment{
		PoolID: poolID,
		Round:  s.pool.CurrentRound,
		Amount: amountCents,
		Status: model.RoundPaymentAdminVerified,
		Method: method,
	}, false, nil
}

func (s *stubRepo) CreatePayoutIntent(ctx context.Context, poolID uuid.UUID, intent repository.PayoutIntent) (*model.Transaction, error) {
	s.gotIntent = &intent
	if s.intentErr != nil {
		return nil, s.intentErr
	}
	if intent.RequireReady && s.pool.RoundPayoutStatus != model.RoundPayoutReadyToPay {
		return nil, fmt.Errorf("%w: not all contributions have been collected for this round", repository.ErrInvalidState)
	}

	recipient := s.pool.Recipient(intent.Round)
	scheduled := s.pool.NextPayoutDate
	return &model.Transaction{
		ID:                  s.pool.TxSeq + 1,
		PoolID:              poolID,
		Type:                model.TransactionTypePayout,
		Amount:              s.pool.ExpectedPot(),
		Round:               intent.Round,
		MemberID:            recipient.ID,
		MemberName:          recipient.Name,
		Status:              model.TransactionStatusPending,
		Date:                intent.Now,
		ScheduledPayoutDate: &scheduled,
		WasEarlyPayout:      intent.Early,
		EarlyPayoutReason:   intent.Reason,
		Method:              intent.Method,
	}, nil
}

func (s *stubRepo) ResolvePayout(ctx context.Context, poolID uuid.UUID, txID int64, succeeded bool, paymentRef string, now time.Time) error {
	s.resolves = append(s.resolves, resolveCall{txID: txID, succeeded: succeeded, paymentRef: paymentRef})
	return s.resolveErr
}

func (s *stubRepo) AdvanceRound(ctx context.Context, poolID uuid.UUID) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	s.advanced = true
	s.pool.CurrentRound++
	if s.pool.CurrentRound > s.pool.TotalRounds {
		s.pool.Status = model.PoolStatusCompleted
	}
	return nil
}

type stubGateway struct {
	transfer    *gateway.Transfer
	transferErr error

	status    *gateway.Transfer
	statusErr error

	gotKey    string
	gotAmount int64
	calls     int
}

func (g *stubGateway) CreateTransfer(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string, metadata map[string]string) (*gateway.Transfer, error) {
	g.calls++
	g.gotKey = idempotencyKey
	g.gotAmount = amountCents
	return g.transfer, g.transferErr
}

func (g *stubGateway) GetTransfer(ctx context.Context, idempotencyKey string) (*gateway.Transfer, error) {
	return g.status, g.statusErr
}

var fixedNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

// testPool собирает пул из трёх участников со взносом 1000: админ Alice на
// позиции 1 (получатель первого раунда), Bob и Carol в ожидании.
func testPool() *model.Pool {
	poolID := uuid.New()
	members := []model.Member{
		{ID: uuid.New(), PoolID: poolID, UserID: 1, Email: "alice@example.com", Name: "Alice",
			Position: 1, Role: model.MemberRoleCreator, Status: model.MemberStatusCurrent,
			PayoutMethod: model.PayoutMethodVenmo, PayoutHandle: "alice"},
		{ID: uuid.New(), PoolID: poolID, UserID: 2, Email: "bob@example.com", Name: "Bob",
			Position: 2, Role: model.MemberRoleMember, Status: model.MemberStatusWaiting,
			PayoutMethod: model.PayoutMethodZelle},
		{ID: uuid.New(), PoolID: poolID, UserID: 3, Email: "carol@example.com", Name: "Carol",
			Position: 3, Role: model.MemberRoleMember, Status: model.MemberStatusWaiting,
			PayoutMethod: model.PayoutMethodManual},
	}
	return &model.Pool{
		ID:                 poolID,
		Name:               "Savings Circle",
		Status:             model.PoolStatusActive,
		ContributionAmount: 1000,
		Frequency:          model.FrequencyWeekly,
		CurrentRound:       1,
		TotalRounds:        3,
		NextPayoutDate:     fixedNow.AddDate(0, 0, 3),
		RoundPayoutStatus:  model.RoundPayoutPendingCollection,
		Members:            members,
	}
}

func verifiedPayment(p *model.Pool, memberIdx int) model.RoundPayment {
	now := fixedNow
	return model.RoundPayment{
		PoolID:      p.ID,
		Round:       p.CurrentRound,
		MemberID:    p.Members[memberIdx].ID,
		Amount:      p.ContributionAmount,
		Status:      model.RoundPaymentAdminVerified,
		Method:      "cash",
		ConfirmedAt: &now,
		VerifiedAt:  &now,
	}
}

func newTestService(repo *stubRepo, gw *stubGateway) *Service {
	svc := NewService(repo, gw, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func TestCreatePool_RejectsUnknownFrequency(t *testing.T) {
	repo := &stubRepo{users: map[int64]*model.User{1: {ID: 1, Email: "alice@example.com"}}}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.CreatePool(context.Background(), 1, "Circle", 1000, "quarterly", 3)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown frequency, got %v", err)
	}
}

func TestAddMember_FrozenAfterFirstContribution(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{verifiedPayment(p, 1)}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.AddMember(context.Background(), 1, p.ID, "dave@example.com", "Dave", "manual", "")
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after the first contribution, got %v", err)
	}
	if len(p.Members) != 3 {
		t.Fatalf("member must not be added to a started pool")
	}
}

func TestAddMember_FrozenByContributionTransaction(t *testing.T) {
	p := testPool()
	repo := &stubRepo{
		pool: p,
		roundContributions: []model.Transaction{
			{ID: 1, PoolID: p.ID, Type: model.TransactionTypeContribution, Round: 1,
				MemberID: p.Members[1].ID, Status: model.TransactionStatusCompleted, Amount: 1000},
		},
	}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.AddMember(context.Background(), 1, p.ID, "dave@example.com", "Dave", "manual", "")
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after the first contribution, got %v", err)
	}
}

func TestAddMember_OpenBeforeFirstContribution(t *testing.T) {
	p := testPool()
	p.Members = p.Members[:2]
	repo := &stubRepo{pool: p, users: map[int64]*model.User{}}
	svc := newTestService(repo, &stubGateway{})

	m, err := svc.AddMember(context.Background(), 1, p.ID, "carol@example.com", "Carol", "manual", "")
	if err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if m.Email != "carol@example.com" {
		t.Fatalf("member email = %q, want carol@example.com", m.Email)
	}
}

func TestRecordContribution_WrongAmount(t *testing.T) {
	repo := &stubRepo{pool: testPool()}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.RecordContribution(context.Background(), 2, repo.pool.ID, 500, "cash")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for wrong amount, got %v", err)
	}
}

func TestRoundStatus_AllCollected(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	status, err := svc.RoundStatus(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("RoundStatus error: %v", err)
	}

	if !status.AllCollected {
		t.Fatalf("AllCollected = false, want true")
	}
	// Получатель тоже вносит взнос: ожидаемая сумма — взнос на каждого участника.
	if status.ExpectedAmount != 3000 {
		t.Fatalf("ExpectedAmount = %d, want 3000", status.ExpectedAmount)
	}
	if status.CollectedAmount != 3000 {
		t.Fatalf("CollectedAmount = %d, want 3000", status.CollectedAmount)
	}
	if len(status.PerMember) != 3 {
		t.Fatalf("PerMember length = %d, want 3", len(status.PerMember))
	}
}

func TestRoundStatus_MissingContribution(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
	}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	status, err := svc.RoundStatus(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("RoundStatus error: %v", err)
	}

	if status.AllCollected {
		t.Fatalf("AllCollected = true with a missing contribution")
	}
	for _, mc := range status.PerMember {
		want := mc.Name != "Carol"
		if mc.Contributed != want {
			t.Fatalf("member %s contributed = %v, want %v", mc.Name, mc.Contributed, want)
		}
	}
}

func TestCheckEarlyPayoutEligibility_Allowed(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if !v.Allowed {
		t.Fatalf("Allowed = false, reason %q", v.Reason)
	}
	if v.PayoutAmount != 3000 {
		t.Fatalf("PayoutAmount = %d, want 3000", v.PayoutAmount)
	}
	if v.PayoutMethod != "venmo" {
		t.Fatalf("PayoutMethod = %q, want venmo", v.PayoutMethod)
	}
	if v.PaymentLink != "venmo://paycharge?txn=pay&recipients=alice&amount=30.00" {
		t.Fatalf("unexpected payment link %q", v.PaymentLink)
	}
}

func TestCheckEarlyPayoutEligibility_ScheduledDateArrived(t *testing.T) {
	p := testPool()
	p.NextPayoutDate = fixedNow.AddDate(0, 0, -1)
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true after the scheduled date")
	}
	if v.Reason == "" {
		t.Fatalf("expected a denial reason")
	}
}

func TestCheckEarlyPayoutEligibility_NoContributionsYet(t *testing.T) {
	p := testPool()
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true with no contributions recorded")
	}
}

func TestCheckEarlyPayoutEligibility_MissingNamesThirdMember(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
	}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true with a missing contribution")
	}
	if len(v.MissingContributions) != 1 || v.MissingContributions[0] != "Carol" {
		t.Fatalf("MissingContributions = %v, want [Carol]", v.MissingContributions)
	}
}

func TestCheckEarlyPayoutEligibility_PayoutInProgress(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{
		pool: p,
		transactions: []model.Transaction{
			{ID: 1, PoolID: p.ID, Type: model.TransactionTypePayout, Round: 1,
				Status: model.TransactionStatusPending, Amount: 3000},
		},
	}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true with a payout already in progress")
	}
}

func TestCheckEarlyPayoutEligibility_RecipientAlreadyPaid(t *testing.T) {
	p := testPool()
	p.Members[0].PayoutReceived = true
	p.RoundPayments = []model.RoundPayment{verifiedPayment(p, 0)}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true for an already paid recipient")
	}
}

func TestCheckEarlyPayoutEligibility_NoPayoutHandle(t *testing.T) {
	p := testPool()
	p.Members[0].PayoutHandle = ""
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	v, err := svc.CheckEarlyPayoutEligibility(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("CheckEarlyPayoutEligibility error: %v", err)
	}

	if v.Allowed {
		t.Fatalf("Allowed = true for a venmo recipient without a handle")
	}
}

func TestExecuteEarlyPayout_Success(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	gw := &stubGateway{transfer: &gateway.Transfer{TransferID: "tr-42", Status: gateway.TransferStatusCompleted}}
	svc := newTestService(repo, gw)

	tx, err := svc.ExecuteEarlyPayout(context.Background(), 1, p.ID, "recipient emergency")
	if err != nil {
		t.Fatalf("ExecuteEarlyPayout error: %v", err)
	}

	if tx.Status != model.TransactionStatusCompleted {
		t.Fatalf("transaction status = %s, want completed", tx.Status)
	}
	if !tx.WasEarlyPayout {
		t.Fatalf("WasEarlyPayout = false")
	}
	if tx.PaymentRef != "tr-42" {
		t.Fatalf("PaymentRef = %q, want tr-42", tx.PaymentRef)
	}

	wantKey := fmt.Sprintf("pool:%s:round:1", p.ID)
	if gw.gotKey != wantKey {
		t.Fatalf("idempotency key = %q, want %q", gw.gotKey, wantKey)
	}
	if gw.gotAmount != 3000 {
		t.Fatalf("transfer amount = %d, want 3000", gw.gotAmount)
	}

	if len(repo.resolves) != 1 || !repo.resolves[0].succeeded {
		t.Fatalf("unexpected resolve calls: %+v", repo.resolves)
	}
	if repo.advanced {
		t.Fatalf("round must not auto-advance after payout")
	}
}

func TestExecuteEarlyPayout_NotAdmin(t *testing.T) {
	p := testPool()
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.ExecuteEarlyPayout(context.Background(), 2, p.ID, "")
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestExecuteEarlyPayout_NotEligible(t *testing.T) {
	p := testPool()
	repo := &stubRepo{pool: p}
	gw := &stubGateway{}
	svc := newTestService(repo, gw)

	_, err := svc.ExecuteEarlyPayout(context.Background(), 1, p.ID, "")
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called when not eligible")
	}
	if repo.gotIntent != nil {
		t.Fatalf("payout intent must not be created when not eligible")
	}
}

func TestExecuteEarlyPayout_GatewayFailure(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	gw := &stubGateway{transferErr: errors.New("connection refused")}
	svc := newTestService(repo, gw)

	_, err := svc.ExecuteEarlyPayout(context.Background(), 1, p.ID, "")
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}

	// Намерение помечено failed, раунд не продвинут — операцию можно повторить.
	if len(repo.resolves) != 1 || repo.resolves[0].succeeded {
		t.Fatalf("unexpected resolve calls: %+v", repo.resolves)
	}
	if repo.advanced {
		t.Fatalf("round must not advance after a gateway failure")
	}
}

func TestExecuteEarlyPayout_ConcurrentLoser(t *testing.T) {
	p := testPool()
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p, intentErr: repository.ErrPayoutExists}
	gw := &stubGateway{}
	svc := newTestService(repo, gw)

	_, err := svc.ExecuteEarlyPayout(context.Background(), 1, p.ID, "")
	if !errors.Is(err, repository.ErrPayoutExists) {
		t.Fatalf("expected ErrPayoutExists, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called by the losing request")
	}
}

func TestExecuteEarlyPayout_ManualRecipientSkipsGateway(t *testing.T) {
	p := testPool()
	p.Members[0].PayoutMethod = model.PayoutMethodManual
	p.Members[0].PayoutHandle = ""
	p.RoundPayments = []model.RoundPayment{
		verifiedPayment(p, 0),
		verifiedPayment(p, 1),
		verifiedPayment(p, 2),
	}
	repo := &stubRepo{pool: p}
	gw := &stubGateway{}
	svc := newTestService(repo, gw)

	tx, err := svc.ExecuteEarlyPayout(context.Background(), 1, p.ID, "recipient emergency")
	if err != nil {
		t.Fatalf("ExecuteEarlyPayout error: %v", err)
	}

	if tx.Status != model.TransactionStatusCompleted {
		t.Fatalf("transaction status = %s, want completed", tx.Status)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called for a manual recipient")
	}
	if len(repo.resolves) != 1 || !repo.resolves[0].succeeded {
		t.Fatalf("unexpected resolve calls: %+v", repo.resolves)
	}
}

func TestConfirmPayout_GatewayMethodWithoutHandle(t *testing.T) {
	p := testPool()
	p.Members[0].PayoutHandle = ""
	p.RoundPayoutStatus = model.RoundPayoutReadyToPay
	repo := &stubRepo{pool: p}
	gw := &stubGateway{}
	svc := newTestService(repo, gw)

	_, err := svc.ConfirmPayout(context.Background(), 1, p.ID, "venmo", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without a payout handle, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not receive an empty destination")
	}
	if repo.gotIntent != nil {
		t.Fatalf("payout intent must not be created without a destination")
	}
}

func TestConfirmPayout_ManualMethodSkipsGateway(t *testing.T) {
	p := testPool()
	p.RoundPayoutStatus = model.RoundPayoutReadyToPay
	repo := &stubRepo{pool: p}
	gw := &stubGateway{}
	svc := newTestService(repo, gw)

	tx, err := svc.ConfirmPayout(context.Background(), 1, p.ID, "manual", "paid in cash at meetup")
	if err != nil {
		t.Fatalf("ConfirmPayout error: %v", err)
	}

	if tx.Status != model.TransactionStatusCompleted {
		t.Fatalf("transaction status = %s, want completed", tx.Status)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway must not be called for a manual disbursement")
	}
	if len(repo.resolves) != 1 || !repo.resolves[0].succeeded {
		t.Fatalf("unexpected resolve calls: %+v", repo.resolves)
	}
}

func TestConfirmPayout_RequiresAllCollected(t *testing.T) {
	p := testPool()
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	_, err := svc.ConfirmPayout(context.Background(), 1, p.ID, "manual", "")
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before all contributions collected, got %v", err)
	}
	if repo.gotIntent == nil || !repo.gotIntent.RequireReady {
		t.Fatalf("confirm payout must require the ready_to_pay state")
	}
}

func TestAdvanceRound_CompletesPoolAfterLastRound(t *testing.T) {
	p := testPool()
	p.CurrentRound = 3
	p.RoundPayoutStatus = model.RoundPayoutPaid
	repo := &stubRepo{pool: p}
	svc := newTestService(repo, &stubGateway{})

	res, err := svc.AdvanceRound(context.Background(), 1, p.ID)
	if err != nil {
		t.Fatalf("AdvanceRound error: %v", err)
	}

	if res.Status != model.PoolStatusCompleted {
		t.Fatalf("pool status = %s, want completed", res.Status)
	}
}

func TestReconcile_ResolvesStuckPayouts(t *testing.T) {
	p := testPool()
	pending := model.Transaction{
		ID: 7, PoolID: p.ID, Type: model.TransactionTypePayout, Round: 1,
		Status: model.TransactionStatusPending, Amount: 3000,
		Date: fixedNow.Add(-time.Hour),
	}
	repo := &stubRepo{pool: p, pendingPayouts: []model.Transaction{pending}}
	gw := &stubGateway{status: &gateway.Transfer{TransferID: "tr-9", Status: gateway.TransferStatusCompleted}}
	svc := newTestService(repo, gw)

	svc.reconcilePendingBatch(context.Background())

	if len(repo.resolves) != 1 {
		t.Fatalf("resolve calls = %d, want 1", len(repo.resolves))
	}
	if !repo.resolves[0].succeeded || repo.resolves[0].paymentRef != "tr-9" {
		t.Fatalf("unexpected resolve: %+v", repo.resolves[0])
	}
}

func TestReconcile_CancelsUnknownTransfers(t *testing.T) {
	p := testPool()
	pending := model.Transaction{
		ID: 8, PoolID: p.ID, Type: model.TransactionTypePayout, Round: 1,
		Status: model.TransactionStatusPending, Amount: 3000,
		Date: fixedNow.Add(-time.Hour),
	}
	repo := &stubRepo{pool: p, pendingPayouts: []model.Transaction{pending}}
	gw := &stubGateway{statusErr: gateway.ErrTransferNotFound}
	svc := newTestService(repo, gw)

	svc.reconcilePendingBatch(context.Background())

	if len(repo.resolves) != 1 || repo.resolves[0].succeeded {
		t.Fatalf("unexpected resolve calls: %+v", repo.resolves)
	}
}
