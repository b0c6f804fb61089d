package deploy

import "errors"

// Ошибки оркестратора.
var (
	// ErrFlowNotFound — flow не найден в БД.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrConcurrentDeploy — параллельный deploy того же (flow, type) успел раньше.
	ErrConcurrentDeploy = errors.New("concurrent deploy of the same flow")
)

// notDeliveredError откатывает транзакцию Activate, когда команда не ушла в брокер.
type notDeliveredError struct {
	message string
}

func (e *notDeliveredError) Error() string {
	return "command not delivered: " + e.message
}
