// Package validation содержит функции валидации входных данных.
package validation

import (
	"strconv"
	"strings"
)

// ParseMilestoneIDs разбирает список идентификаторов вех из метаданных сессии оплаты.
// Возвращает false для пустого или некорректного списка: в этом случае
// событие оплаты применяется ко всем вехам контракта.
func ParseMilestoneIDs(raw string) ([]int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, false
		}
		ids = append(ids, id)
	}

	return ids, true
}

// PlatformFee вычисляет комиссию площадки в минорных единицах,
// округляя до ближайшей единицы.
func PlatformFee(amount int64, percent int) int64 {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	return (amount*int64(percent) + 50) / 100
}

// IsValidAmount проверяет, что сумма пополнения положительна.
func IsValidAmount(amount int64) bool {
	return amount > 0
}
