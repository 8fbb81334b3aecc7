package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roscapool/roscapool-system/internal/model"
	"github.com/roscapool/roscapool-system/internal/validation"
)

// MemberContribution описывает состояние взноса одного участника в активном раунде.
type MemberContribution struct {
	MemberID    uuid.UUID `json:"member_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Position    int       `json:"position"`
	Contributed bool      `json:"contributed"`
	Processing  bool      `json:"processing"`
	Excused     bool      `json:"excused"`
}

// RoundStatus описывает полноту сбора активного раунда.
type RoundStatus struct {
	Round           int                     `json:"round"`
	PayoutStatus    model.RoundPayoutStatus `json:"payout_status"`
	PerMember       []MemberContribution    `json:"per_member"`
	AllCollected    bool                    `json:"all_collected"`
	ExpectedAmount  int64                   `json:"expected_amount"`
	CollectedAmount int64                   `json:"collected_amount"`
	NextPayoutDate  time.Time               `json:"next_payout_date"`
}

// EarlyPayoutVerification описывает результат проверки права на досрочную выплату.
type EarlyPayoutVerification struct {
	Allowed                 bool     `json:"allowed"`
	Reason                  string   `json:"reason,omitempty"`
	Round                   int      `json:"round"`
	PayoutAmount            int64    `json:"payout_amount,omitempty"`
	RecipientName           string   `json:"recipient_name,omitempty"`
	PayoutMethod            string   `json:"payout_method,omitempty"`
	PaymentLink             string   `json:"payment_link,omitempty"`
	MissingContributions    []string `json:"missing_contributions,omitempty"`
	ProcessingContributions []string `json:"processing_contributions,omitempty"`
}

// roundLedger — сведённое состояние взносов раунда по каждому участнику.
type roundLedger struct {
	counted    map[uuid.UUID]bool // admin_verified взнос или completed транзакция
	processing map[uuid.UUID]bool // member_confirmed или pending-транзакция
	excused    map[uuid.UUID]bool
	collected  int64
	records    int
	payoutBusy bool // существует pending/completed выплата раунда
}

func (s *Service) loadRoundLedger(ctx context.Context, p *model.Pool) (*roundLedger, error) {
	l := &roundLedger{
		counted:    make(map[uuid.UUID]bool),
		processing: make(map[uuid.UUID]bool),
		excused:    make(map[uuid.UUID]bool),
	}

	for _, rp := range p.RoundPayments {
		l.records++
		switch rp.Status {
		case model.RoundPaymentAdminVerified:
			l.counted[rp.MemberID] = true
			l.collected += rp.Amount
		case model.RoundPaymentMemberConfirmed:
			l.processing[rp.MemberID] = true
		case model.RoundPaymentExcused:
			l.counted[rp.MemberID] = true
			l.excused[rp.MemberID] = true
		}
	}

	contributions, err := s.repo.GetRoundContributions(ctx, p.ID, p.CurrentRound)
	if err != nil {
		return nil, err
	}
	for _, t := range contributions {
		l.records++
		switch t.Status {
		case model.TransactionStatusCompleted:
			if !l.counted[t.MemberID] {
				l.counted[t.MemberID] = true
				l.collected += t.Amount
			}
		case model.TransactionStatusPending:
			l.processing[t.MemberID] = true
		}
	}

	transactions, err := s.repo.GetTransactionsByPool(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range transactions {
		if t.Type == model.TransactionTypePayout && t.Round == p.CurrentRound &&
			(t.Status == model.TransactionStatusPending || t.Status == model.TransactionStatusCompleted) {
			l.payoutBusy = true
			break
		}
	}

	return l, nil
}

// RoundStatus возвращает постатусное состояние взносов активного раунда.
// Получатель раунда тоже вносит взнос: ожидаемая сумма выплаты равна
// взносу, умноженному на полное число участников.
func (s *Service) RoundStatus(ctx context.Context, userID int64, poolID uuid.UUID) (*RoundStatus, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.MemberByUserID(userID) == nil {
		return nil, ErrNotMember
	}

	ledger, err := s.loadRoundLedger(ctx, p)
	if err != nil {
		return nil, err
	}

	status := &RoundStatus{
		Round:           p.CurrentRound,
		PayoutStatus:    p.RoundPayoutStatus,
		AllCollected:    true,
		ExpectedAmount:  p.ExpectedPot(),
		CollectedAmount: ledger.collected,
		NextPayoutDate:  p.NextPayoutDate,
	}

	for _, m := range p.Members {
		mc := MemberContribution{
			MemberID:    m.ID,
			Name:        m.Name,
			Email:       m.Email,
			Position:    m.Position,
			Contributed: ledger.counted[m.ID],
			Processing:  ledger.processing[m.ID] && !ledger.counted[m.ID],
			Excused:     ledger.excused[m.ID],
		}
		if !mc.Contributed {
			status.AllCollected = false
		}
		status.PerMember = append(status.PerMember, mc)
	}

	return status, nil
}

// CheckEarlyPayoutEligibility проверяет, допустима ли досрочная выплата
// активного раунда, и возвращает причину отказа, если нет.
func (s *Service) CheckEarlyPayoutEligibility(ctx context.Context, userID int64, poolID uuid.UUID) (*EarlyPayoutVerification, error) {
	p, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.MemberByUserID(userID) == nil {
		return nil, ErrNotMember
	}

	return s.evaluateEarlyPayout(ctx, p)
}

func (s *Service) evaluateEarlyPayout(ctx context.Context, p *model.Pool) (*EarlyPayoutVerification, error) {
	round := p.CurrentRound
	v := &EarlyPayoutVerification{Round: round}

	deny := func(reason string) (*EarlyPayoutVerification, error) {
		v.Allowed = false
		v.Reason = reason
		return v, nil
	}

	if p.Status != model.PoolStatusActive {
		return deny("pool is completed")
	}

	now := s.now()
	if !now.Before(p.NextPayoutDate) {
		return deny("the scheduled payout date has arrived; use the regular payout flow")
	}

	recipient := p.Recipient(round)
	if recipient == nil {
		return deny(fmt.Sprintf("no recipient found at position %d", round))
	}
	if recipient.PayoutReceived {
		return deny("the recipient has already received their payout for this round")
	}

	ledger, err := s.loadRoundLedger(ctx, p)
	if err != nil {
		return nil, err
	}

	if ledger.payoutBusy {
		return deny("a payout for this round is already completed or in progress")
	}

	if ledger.records == 0 {
		return deny("no contributions have been recorded for this round yet")
	}

	var missing, processing []string
	for _, m := range p.Members {
		if ledger.counted[m.ID] {
			continue
		}
		if ledger.processing[m.ID] {
			processing = append(processing, memberLabel(&m))
		} else {
			missing = append(missing, memberLabel(&m))
		}
	}

	if len(missing) > 0 || len(processing) > 0 {
		v.MissingContributions = missing
		v.ProcessingContributions = processing
		switch {
		case len(missing) > 0 && len(processing) > 0:
			return deny(fmt.Sprintf("missing contributions from %s; still processing for %s",
				strings.Join(missing, ", "), strings.Join(processing, ", ")))
		case len(processing) > 0:
			return deny(fmt.Sprintf("contributions are still processing for %s", strings.Join(processing, ", ")))
		default:
			return deny(fmt.Sprintf("missing contributions from %s", strings.Join(missing, ", ")))
		}
	}

	if !validation.IsManualDisbursement(string(recipient.PayoutMethod)) && recipient.PayoutHandle == "" {
		return deny(fmt.Sprintf("the recipient has no %s handle on file", recipient.PayoutMethod))
	}

	v.Allowed = true
	v.PayoutAmount = p.ExpectedPot()
	v.RecipientName = memberLabel(recipient)
	v.PayoutMethod = string(recipient.PayoutMethod)
	v.PaymentLink = paymentLink(recipient.PayoutMethod, recipient.PayoutHandle, v.PayoutAmount)
	return v, nil
}

func memberLabel(m *model.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return m.Email
}

// paymentLink собирает deep-link на выплату для способов, у которых есть
// URL-схема. У zelle её нет, для него возвращается пустая строка.
func paymentLink(method model.PayoutMethod, handle string, amountCents int64) string {
	if handle == "" {
		return ""
	}

	amount := fmt.Sprintf("%.2f", float64(amountCents)/100)

	switch method {
	case model.PayoutMethodVenmo:
		return fmt.Sprintf("venmo://paycharge?txn=pay&recipients=%s&amount=%s", handle, amount)
	case model.PayoutMethodPayPal:
		return fmt.Sprintf("https://paypal.me/%s/%s", handle, amount)
	case model.PayoutMethodCashApp:
		return fmt.Sprintf("https://cash.app/$%s/%s", strings.TrimPrefix(handle, "$"), amount)
	default:
		return ""
	}
}
