// Package service реализует бизнес-логику сервиса roscapool: учёт взносов
// раунда, машину состояний выплат и продвижение ротации.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roscapool/roscapool-system/internal/gateway"
	"github.com/roscapool/roscapool-system/internal/model"
	"github.com/roscapool/roscapool-system/internal/notify"
	"github.com/roscapool/roscapool-system/internal/repository"
	"github.com/roscapool/roscapool-system/internal/schedule"
	"github.com/roscapool/roscapool-system/internal/validation"
)

// ErrNotAdmin возвращается, если операцию выплаты запросил не администратор пула.
var (
	ErrNotAdmin = errors.New("caller is not a pool admin")
	// ErrNotMember возвращается, если пользователь не участник пула.
	ErrNotMember = errors.New("caller is not a pool member")
	// ErrNotEligible возвращается, если ранняя выплата не разрешена; причина в тексте.
	ErrNotEligible = errors.New("early payout not allowed")
	// ErrGatewayFailure возвращается, если платёжный шлюз отклонил перевод.
	// Раунд при этом не продвигается, администратор может повторить выплату.
	ErrGatewayFailure = errors.New("payment gateway transfer failed")
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email, name string, passwordHash []byte) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreatePool(ctx context.Context, p *model.Pool, creator *model.Member) error
	AddMember(ctx context.Context, poolID uuid.UUID, m *model.Member) error
	GetPool(ctx context.Context, poolID uuid.UUID) (*model.Pool, error)
	GetRoundContributions(ctx context.Context, poolID uuid.UUID, round int) ([]model.Transaction, error)
	GetTransactionsByPool(ctx context.Context, poolID uuid.UUID) ([]model.Transaction, error)
	GetPendingPayouts(ctx context.Context, pendingSince time.Time, limit int) ([]model.Transaction, error)
	RecordContribution(ctx context.Context, poolID uuid.UUID, userID, amountCents int64, method string, now time.Time) (*model.RoundPayment, bool, error)
	CreatePayoutIntent(ctx context.Context, poolID uuid.UUID, intent repository.PayoutIntent) (*model.Transaction, error)
	ResolvePayout(ctx context.Context, poolID uuid.UUID, txID int64, succeeded bool, paymentRef string, now time.Time) error
	AdvanceRound(ctx context.Context, poolID uuid.UUID) error
}

// Gateway описывает контракт внешнего платёжного шлюза.
type Gateway interface {
	CreateTransfer(ctx context.Context, destination string, amountCents int64, currency, idempotencyKey string, metadata map[string]string) (*gateway.Transfer, error)
	GetTransfer(ctx context.Context, idempotencyKey string) (*gateway.Transfer, error)
}

const payoutCurrency = "USD"

// Service содержит бизнес-логику сервиса roscapool.
type Service struct {
	repo     Repository
	gateway  Gateway
	notifier notify.Notifier

	// ReconcileInterval задаёт период фоновой сверки зависших выплат.
	ReconcileInterval time.Duration
	// ReconcilePendingAfter задаёт возраст pending-выплаты, после которого она сверяется со шлюзом.
	ReconcilePendingAfter time.Duration

	now func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием, шлюзом и нотификатором.
func NewService(repo Repository, gw Gateway, notifier notify.Notifier) *Service {
	return &Service{
		repo:                  repo,
		gateway:               gw,
		notifier:              notifier,
		ReconcileInterval:     time.Minute,
		ReconcilePendingAfter: 5 * time.Minute,
		now:                   time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, email, name, password string) (int64, error) {
	if !validation.IsValidEmail(email) {
		return 0, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	hashed := hashPassword(email, password)
	id, err := s.repo.CreateUser(ctx, email, name, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет почту и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// CreatePool создаёт пул; создатель становится администратором на позиции 1
// и получателем первого раунда.
func (s *Service) CreatePool(ctx context.Context, userID int64, name string, amountCents int64, frequency string, totalRounds int) (*model.Pool, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: pool name is required", ErrValidation)
	}
	if !validation.IsValidAmount(amountCents) {
		return nil, fmt.Errorf("%w: contribution amount must be positive", ErrValidation)
	}
	// Нераспознанная периодичность — жёсткая ошибка на этапе создания,
	// а не молчаливый откат к недельной в расчёте дат.
	if !validation.IsValidFrequency(frequency) {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrValidation, frequency)
	}
	if totalRounds < 1 {
		return nil, fmt.Errorf("%w: pool needs at least one member slot", ErrValidation)
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Pool{
		ID:                 uuid.New(),
		Name:               name,
		Status:             model.PoolStatusActive,
		ContributionAmount: amountCents,
		Frequency:          model.Frequency(frequency),
		CurrentRound:       1,
		TotalRounds:        totalRounds,
		NextPayoutDate:     nextFirstPayout(now, model.Frequency(frequency)),
		RoundPayoutStatus:  model.RoundPayoutPendingCollection,
		CreatedAt:          now,
	}
	creator := &model.Member{
		ID:           uuid.New(),
		PoolID:       p.ID,
		UserID:       u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Position:     1,
		Role:         model.MemberRoleCreator,
		Status:       model.MemberStatusCurrent,
		PayoutMethod: model.PayoutMethodManual,
	}

	if err := s.repo.CreatePool(ctx, p, creator); err != nil {
		return nil, err
	}

	p.Members = []model.Member{*creator}
	return p, nil
}

// AddMember добавляет участника пула. Только администратор может добавлять участников.
func (s *Service) AddMember(ctx context.Context, userID int64, poolID uuid.UUID, email, name, payoutMethod, payoutHandle string) (*model.Member, error) {
	if !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if payoutMethod == "" {
		payoutMethod = string(model.PayoutMethodManual)
	}
	if !validation.IsValidPayoutMethod(payoutMethod) {
		return nil, fmt.Errorf("%w: unknown payout method %q", ErrValidation, payoutMethod)
	}

	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(p, userID); err != nil {
		return nil, err
	}

	// Первый взнос замораживает состав. Проверка повторяется в атомарной
	// секции репозитория; здесь она даёт ранний отказ без записи.
	frozen := p.CurrentRound > 1 || len(p.RoundPayments) > 0
	if !frozen {
		contributions, err := s.repo.GetRoundContributions(ctx, poolID, p.CurrentRound)
		if err != nil {
			return nil, err
		}
		frozen = len(contributions) > 0
	}
	if frozen {
		return nil, fmt.Errorf("%w: membership is frozen after the first contribution", repository.ErrInvalidState)
	}

	m := &model.Member{
		ID:           uuid.New(),
		PoolID:       poolID,
		Email:        email,
		Name:         name,
		Role:         model.MemberRoleMember,
		Status:       model.MemberStatusWaiting,
		PayoutMethod: model.PayoutMethod(payoutMethod),
		PayoutHandle: payoutHandle,
	}

	// Если пользователь с этой почтой уже зарегистрирован, связываем его с участником сразу.
	if u, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		m.UserID = u.ID
		if m.Name == "" {
			m.Name = u.Name
		}
	}

	if err := s.repo.AddMember(ctx, poolID, m); err != nil {
		return nil, err
	}

	return m, nil
}

// GetPool возвращает агрегат пула для его участника.
func (s *Service) GetPool(ctx context.Context, userID int64, poolID uuid.UUID) (*model.Pool, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.MemberByUserID(userID) == nil {
		return nil, ErrNotMember
	}
	return p, nil
}

// GetTransactions возвращает историю транзакций пула для его участника.
func (s *Service) GetTransactions(ctx context.Context, userID int64, poolID uuid.UUID) ([]model.Transaction, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.MemberByUserID(userID) == nil {
		return nil, ErrNotMember
	}
	return s.repo.GetTransactionsByPool(ctx, poolID)
}

// RecordContribution фиксирует ручной взнос участника за активный раунд.
func (s *Service) RecordContribution(ctx context.Context, userID int64, poolID uuid.UUID, amountCents int64, method string) (*model.RoundPayment, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	m := p.MemberByUserID(userID)
	if m == nil {
		return nil, ErrNotMember
	}

	if amountCents != p.ContributionAmount {
		return nil, fmt.Errorf("%w: contribution must equal the pool amount of %d", ErrValidation, p.ContributionAmount)
	}
	if method == "" {
		return nil, fmt.Errorf("%w: payment method is required", ErrValidation)
	}

	rp, allCollected, err := s.repo.RecordContribution(ctx, poolID, userID, amountCents, method, s.now())
	if err != nil {
		return nil, err
	}

	s.fireNotification(m.Email, notify.TemplateContributionRecorded, map[string]string{
		"pool":  p.Name,
		"round": fmt.Sprintf("%d", p.CurrentRound),
	})

	if allCollected {
		if recipient := p.Recipient(p.CurrentRound); recipient != nil {
			s.fireNotification(recipient.Email, notify.TemplatePayoutCompleted, map[string]string{
				"pool":   p.Name,
				"round":  fmt.Sprintf("%d", p.CurrentRound),
				"status": "ready_to_pay",
			})
		}
	}

	return rp, nil
}

// ExecuteEarlyPayout выполняет досрочную выплату активного раунда.
// Право на выплату перепроверяется внутри атомарной секции репозитория:
// между предварительной проверкой и фиксацией намерения состояние могло
// измениться конкурентным запросом.
func (s *Service) ExecuteEarlyPayout(ctx context.Context, userID int64, poolID uuid.UUID, reason string) (*model.Transaction, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(p, userID); err != nil {
		return nil, err
	}

	verification, err := s.evaluateEarlyPayout(ctx, p)
	if err != nil {
		return nil, err
	}
	if !verification.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, verification.Reason)
	}

	recipient := p.Recipient(p.CurrentRound)

	intent, err := s.repo.CreatePayoutIntent(ctx, poolID, repository.PayoutIntent{
		Round:  p.CurrentRound,
		Early:  true,
		Reason: reason,
		Method: string(recipient.PayoutMethod),
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	if validation.IsManualDisbursement(string(recipient.PayoutMethod)) {
		return s.resolveManually(ctx, p, recipient, intent)
	}

	return s.settleThroughGateway(ctx, p, recipient, intent)
}

// ConfirmPayout выполняет регулярную выплату раунда, когда все взносы собраны.
// Ручные способы (manual, zelle) подтверждаются без обращения к шлюзу.
func (s *Service) ConfirmPayout(ctx context.Context, userID int64, poolID uuid.UUID, method, notes string) (*model.Transaction, error) {
	if !validation.IsValidPayoutMethod(method) {
		return nil, fmt.Errorf("%w: unknown payout method %q", ErrValidation, method)
	}

	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(p, userID); err != nil {
		return nil, err
	}

	recipient := p.Recipient(p.CurrentRound)
	if recipient == nil {
		return nil, fmt.Errorf("%w: no recipient at position %d", repository.ErrMemberNotFound, p.CurrentRound)
	}
	if !validation.IsManualDisbursement(method) && recipient.PayoutHandle == "" {
		return nil, fmt.Errorf("%w: recipient has no payout handle for %s", ErrValidation, method)
	}

	intent, err := s.repo.CreatePayoutIntent(ctx, poolID, repository.PayoutIntent{
		Round:        p.CurrentRound,
		Method:       method,
		Notes:        notes,
		RequireReady: true,
		Now:          s.now(),
	})
	if err != nil {
		return nil, err
	}

	if validation.IsManualDisbursement(method) {
		return s.resolveManually(ctx, p, recipient, intent)
	}

	return s.settleThroughGateway(ctx, p, recipient, intent)
}

// resolveManually подтверждает выплату, проведённую вне платёжного шлюза
// (наличные, zelle): у таких способов нет внешнего перевода для ожидания.
func (s *Service) resolveManually(ctx context.Context, p *model.Pool, recipient *model.Member, intent *model.Transaction) (*model.Transaction, error) {
	now := s.now()
	if err := s.repo.ResolvePayout(ctx, p.ID, intent.ID, true, "", now); err != nil {
		return nil, err
	}
	intent.Status = model.TransactionStatusCompleted
	intent.ActualPayoutDate = &now

	s.fireNotification(recipient.Email, notify.TemplatePayoutCompleted, map[string]string{
		"pool":   p.Name,
		"round":  fmt.Sprintf("%d", intent.Round),
		"method": intent.Method,
	})
	return intent, nil
}

// settleThroughGateway проводит pending-выплату через платёжный шлюз и
// разрешает её по результату. Вызов шлюза выполняется вне транзакции БД;
// детерминированный ключ идемпотентности делает повтор безопасным.
func (s *Service) settleThroughGateway(ctx context.Context, p *model.Pool, recipient *model.Member, intent *model.Transaction) (*model.Transaction, error) {
	key := payoutIdempotencyKey(p.ID, intent.Round)

	transfer, err := s.gateway.CreateTransfer(ctx, recipient.PayoutHandle, intent.Amount, payoutCurrency, key, map[string]string{
		"pool":  p.ID.String(),
		"round": fmt.Sprintf("%d", intent.Round),
	})
	if err != nil || transfer.Status == gateway.TransferStatusFailed {
		// Намерение остаётся failed, раунд не продвигается; администратор может повторить.
		if resolveErr := s.repo.ResolvePayout(ctx, p.ID, intent.ID, false, "", s.now()); resolveErr != nil {
			return nil, resolveErr
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
		}
		return nil, fmt.Errorf("%w: transfer rejected", ErrGatewayFailure)
	}

	if transfer.Status == gateway.TransferStatusPending {
		// Шлюз принял перевод, но ещё не завершил: транзакция остаётся
		// pending, её добьёт фоновая сверка.
		intent.PaymentRef = transfer.TransferID
		return intent, nil
	}

	now := s.now()
	if err := s.repo.ResolvePayout(ctx, p.ID, intent.ID, true, transfer.TransferID, now); err != nil {
		return nil, err
	}

	intent.Status = model.TransactionStatusCompleted
	intent.ActualPayoutDate = &now
	intent.PaymentRef = transfer.TransferID

	s.fireNotification(recipient.Email, notify.TemplatePayoutCompleted, map[string]string{
		"pool":  p.Name,
		"round": fmt.Sprintf("%d", intent.Round),
	})

	return intent, nil
}

// AdvanceRound переводит пул к следующему раунду после завершённой выплаты.
func (s *Service) AdvanceRound(ctx context.Context, userID int64, poolID uuid.UUID) (*model.Pool, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(p, userID); err != nil {
		return nil, err
	}

	if err := s.repo.AdvanceRound(ctx, poolID); err != nil {
		return nil, err
	}

	p, err = s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	if p.Status == model.PoolStatusCompleted {
		for _, m := range p.Members {
			s.fireNotification(m.Email, notify.TemplatePoolCompleted, map[string]string{"pool": p.Name})
		}
		return p, nil
	}

	if recipient := p.Recipient(p.CurrentRound); recipient != nil {
		s.fireNotification(recipient.Email, notify.TemplateRoundAdvanced, map[string]string{
			"pool":  p.Name,
			"round": fmt.Sprintf("%d", p.CurrentRound),
		})
	}

	return p, nil
}

func requireAdmin(p *model.Pool, userID int64) error {
	m := p.MemberByUserID(userID)
	if m == nil {
		return ErrNotMember
	}
	if !m.IsAdmin() {
		return ErrNotAdmin
	}
	return nil
}

// fireNotification отправляет уведомление по принципу fire-and-forget:
// сбой доставки не влияет на породившую его операцию.
func (s *Service) fireNotification(email, template string, data map[string]string) {
	if s.notifier == nil || email == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		_ = s.notifier.Notify(ctx, email, template, data)
	}()
}

func payoutIdempotencyKey(poolID uuid.UUID, round int) string {
	return fmt.Sprintf("pool:%s:round:%d", poolID, round)
}

// nextFirstPayout возвращает дату первой выплаты нового пула.
func nextFirstPayout(createdAt time.Time, frequency model.Frequency) time.Time {
	return schedule.NextDate(createdAt, frequency)
}
