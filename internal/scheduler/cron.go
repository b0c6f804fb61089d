package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec — тик раз в секунду: отложенная команда живёт всего несколько секунд.
const DefaultSpec = "@every 1s"

// specParser — парсер выражений тика: секунды необязательны, дескрипторы (@every) разрешены.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec проверяет валидность cron-выражения тика.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	return nil
}

// NextTick возвращает время следующего тика после from.
func NextTick(spec string, from time.Time) (time.Time, error) {
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sweep spec %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}
