// Package schedule содержит чистые функции расчёта дат выплат пула.
package schedule

import (
	"time"

	"github.com/roscapool/roscapool-system/internal/model"
)

// NextDate возвращает дату следующей выплаты, отсчитанную от fromDate.
// Для месячной периодичности используется календарная арифметика с
// прижатием к концу месяца: 31 января + месяц даёт 28/29 февраля, а не
// 2-3 марта. Нераспознанная периодичность трактуется как недельная —
// задокументированный откат для унаследованных записей; новые пулы с
// неизвестной периодичностью отклоняются на этапе валидации.
func NextDate(fromDate time.Time, frequency model.Frequency) time.Time {
	switch frequency {
	case model.FrequencyBiweekly:
		return fromDate.AddDate(0, 0, 14)
	case model.FrequencyMonthly:
		return addCalendarMonth(fromDate)
	case model.FrequencyWeekly:
		return fromDate.AddDate(0, 0, 7)
	default:
		return fromDate.AddDate(0, 0, 7)
	}
}

func addCalendarMonth(t time.Time) time.Time {
	year, month, day := t.Date()

	firstOfNext := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := daysIn(firstOfNext.Year(), firstOfNext.Month())

	if day > lastDay {
		day = lastDay
	}

	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// День 0 следующего месяца — последний день текущего.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
