package domain

// FlowStatus — агрегированный статус flow, видимый пользователю.
//
// Жизненный цикл:
//
//	draft → deploying → running → stopped
//	                  ↘ error (crash активного production run)
//
// Статус меняется только событиями активного production run
// (и самим оркестратором при deploy/undeploy).
type FlowStatus string

const (
	// FlowStatusDraft — flow создан, ни разу не деплоился в production.
	FlowStatusDraft FlowStatus = "draft"

	// FlowStatusDeploying — запрошен production deploy, ждём lock и запуск.
	FlowStatusDeploying FlowStatus = "deploying"

	// FlowStatusRunning — активный production run работает.
	FlowStatusRunning FlowStatus = "running"

	// FlowStatusStopped — production остановлен.
	FlowStatusStopped FlowStatus = "stopped"

	// FlowStatusError — активный production run упал.
	FlowStatusError FlowStatus = "error"
)

// IsValid проверяет, что статус входит в допустимый набор.
func (s FlowStatus) IsValid() bool {
	switch s {
	case FlowStatusDraft, FlowStatusDeploying, FlowStatusRunning, FlowStatusStopped, FlowStatusError:
		return true
	default:
		return false
	}
}

// RunStatus — статус отдельного FlowRun.
//
// Жизненный цикл production run:
//
//	locking → locked → ready → running → stopped
//	        ↘ lock_failed              ↘ error
//
// Development run создаётся сразу в running (lock не нужен).
type RunStatus string

const (
	// RunStatusPending — run создан, команда ещё не отправлена.
	RunStatusPending RunStatus = "pending"

	// RunStatusLocking — ждём результат generate_lock.
	RunStatusLocking RunStatus = "locking"

	// RunStatusLocked — lock получен, артефакты ещё не записаны.
	RunStatusLocked RunStatus = "locked"

	// RunStatusLockFailed — runtime не смог собрать lock.
	RunStatusLockFailed RunStatus = "lock_failed"

	// RunStatusReady — артефакты записаны, run готов к запуску.
	RunStatusReady RunStatus = "ready"

	// RunStatusRunning — контейнер run работает.
	RunStatusRunning RunStatus = "running"

	// RunStatusStopped — run остановлен (пользователем или контейнер завершился).
	RunStatusStopped RunStatus = "stopped"

	// RunStatusError — контейнер упал.
	RunStatusError RunStatus = "error"
)

// IsTerminal возвращает true, если run больше не изменит статус сам по себе.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusError, RunStatusLockFailed:
		return true
	default:
		return false
	}
}

// RunType — тип run.
type RunType string

const (
	RunTypeDevelopment RunType = "development"
	RunTypeProduction  RunType = "production"
)

// IsValid проверяет тип run.
func (t RunType) IsValid() bool {
	return t == RunTypeDevelopment || t == RunTypeProduction
}

// LogLevel — уровень важности записи FlowLog.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)
