// Package model содержит доменные сущности сервиса roscapool.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}

// PoolStatus описывает статус жизненного цикла пула.
type PoolStatus string

const (
	PoolStatusActive    PoolStatus = "active"
	PoolStatusCompleted PoolStatus = "completed"
)

// Frequency описывает периодичность выплат пула.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// RoundPayoutStatus описывает состояние выплаты активного раунда.
type RoundPayoutStatus string

const (
	RoundPayoutPendingCollection RoundPayoutStatus = "pending_collection"
	RoundPayoutReadyToPay        RoundPayoutStatus = "ready_to_pay"
	RoundPayoutPaid              RoundPayoutStatus = "paid"
)

// MemberRole описывает роль участника в пуле.
type MemberRole string

const (
	MemberRoleCreator MemberRole = "creator"
	MemberRoleAdmin   MemberRole = "admin"
	MemberRoleMember  MemberRole = "member"
)

// MemberStatus описывает статус участника относительно ротации выплат.
type MemberStatus string

const (
	MemberStatusCurrent   MemberStatus = "current"
	MemberStatusWaiting   MemberStatus = "waiting"
	MemberStatusCompleted MemberStatus = "completed"
)

// PayoutMethod описывает способ получения выплаты участником.
type PayoutMethod string

const (
	PayoutMethodVenmo   PayoutMethod = "venmo"
	PayoutMethodPayPal  PayoutMethod = "paypal"
	PayoutMethodCashApp PayoutMethod = "cashapp"
	PayoutMethodZelle   PayoutMethod = "zelle"
	PayoutMethodManual  PayoutMethod = "manual"
)

// TransactionType описывает тип транзакции пула.
type TransactionType string

const (
	TransactionTypeContribution TransactionType = "contribution"
	TransactionTypePayout       TransactionType = "payout"
)

// TransactionStatus описывает статус обработки транзакции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// RoundPaymentStatus описывает статус взноса участника в активном раунде.
type RoundPaymentStatus string

const (
	RoundPaymentMemberConfirmed RoundPaymentStatus = "member_confirmed"
	RoundPaymentAdminVerified   RoundPaymentStatus = "admin_verified"
	RoundPaymentExcused         RoundPaymentStatus = "excused"
)

// Pool представляет накопительный пул с фиксированным составом участников.
// Все суммы хранятся в минорных единицах валюты (центах).
type Pool struct {
	ID                 uuid.UUID
	Name               string
	Status             PoolStatus
	ContributionAmount int64
	Frequency          Frequency
	CurrentRound       int
	TotalRounds        int
	TotalAmount        int64
	NextPayoutDate     time.Time
	RoundPayoutStatus  RoundPayoutStatus
	TxSeq              int64
	CreatedAt          time.Time

	Members       []Member
	RoundPayments []RoundPayment
}

// Recipient возвращает участника, занимающего позицию указанного раунда.
func (p *Pool) Recipient(round int) *Member {
	for i := range p.Members {
		if p.Members[i].Position == round {
			return &p.Members[i]
		}
	}
	return nil
}

// MemberByUserID возвращает участника пула, связанного с пользователем.
func (p *Pool) MemberByUserID(userID int64) *Member {
	for i := range p.Members {
		if p.Members[i].UserID == userID {
			return &p.Members[i]
		}
	}
	return nil
}

// ExpectedPot возвращает полную сумму раунда: взнос получателя тоже входит,
// поэтому ожидаемая сумма равна взносу, умноженному на число участников.
func (p *Pool) ExpectedPot() int64 {
	return p.ContributionAmount * int64(len(p.Members))
}

// Member представляет участника пула и его слот в ротации.
type Member struct {
	ID               uuid.UUID
	PoolID           uuid.UUID
	UserID           int64
	Email            string
	Name             string
	Position         int
	Role             MemberRole
	Status           MemberStatus
	PayoutReceived   bool
	PayoutMethod     PayoutMethod
	PayoutHandle     string
	TotalContributed int64
	PaymentsOnTime   int
	PaymentsMissed   int
}

// IsAdmin сообщает, может ли участник выполнять административные операции пула.
func (m *Member) IsAdmin() bool {
	return m.Role == MemberRoleAdmin || m.Role == MemberRoleCreator
}

// Transaction описывает взнос или выплату пула. ID монотонно растёт в
// пределах пула и выдаётся из счётчика tx_seq на записи пула.
type Transaction struct {
	ID         int64
	PoolID     uuid.UUID
	Type       TransactionType
	Amount     int64
	Round      int
	MemberID   uuid.UUID
	MemberName string
	Status     TransactionStatus
	Date       time.Time

	// Поля выплат; для взносов остаются пустыми.
	ScheduledPayoutDate *time.Time
	ActualPayoutDate    *time.Time
	WasEarlyPayout      bool
	EarlyPayoutReason   string
	PaymentRef          string
	Method              string
	Notes               string
}

// RoundPayment представляет взнос участника в активном раунде пула.
type RoundPayment struct {
	PoolID      uuid.UUID
	Round       int
	MemberID    uuid.UUID
	Amount      int64
	Status      RoundPaymentStatus
	Method      string
	ConfirmedAt *time.Time
	VerifiedAt  *time.Time
}

// Counted сообщает, учитывается ли взнос при проверке полноты сбора раунда.
func (rp *RoundPayment) Counted() bool {
	return rp.Status == RoundPaymentAdminVerified || rp.Status == RoundPaymentExcused
}
