// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/roscapool/roscapool-system/internal/model"
)

// IsValidFrequency проверяет, что периодичность выплат — одно из
// поддерживаемых значений. Нераспознанная периодичность отклоняется при
// создании пула, а не молча заменяется недельной.
func IsValidFrequency(f string) bool {
	switch model.Frequency(f) {
	case model.FrequencyWeekly, model.FrequencyBiweekly, model.FrequencyMonthly:
		return true
	}
	return false
}

// IsValidAmount проверяет, что сумма в минорных единицах положительна.
func IsValidAmount(amountCents int64) bool {
	return amountCents > 0
}

// IsValidPayoutMethod проверяет способ получения выплаты участником.
func IsValidPayoutMethod(m string) bool {
	switch model.PayoutMethod(m) {
	case model.PayoutMethodVenmo, model.PayoutMethodPayPal, model.PayoutMethodCashApp,
		model.PayoutMethodZelle, model.PayoutMethodManual:
		return true
	}
	return false
}

// IsManualDisbursement сообщает, что выплата этим способом проводится вне
// платёжного шлюза и подтверждается администратором вручную.
func IsManualDisbursement(m string) bool {
	switch model.PayoutMethod(m) {
	case model.PayoutMethodManual, model.PayoutMethodZelle:
		return true
	}
	return false
}

// IsValidEmail выполняет минимальную проверку адреса почты участника.
func IsValidEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\n") {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}
