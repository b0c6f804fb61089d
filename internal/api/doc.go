// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (хранилища, оркестратор, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (recovery, request id, metrics, logging)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - flow_handler.go   — CRUD для /flows
//   - action_handler.go — start/stop/deploy/undeploy
//   - run_handler.go    — история runs и журнал flow
//
// API — тонкий слой: действия над flow выполняет deploy.Orchestrator,
// ответ содержит его Result. Недоставленная команда даёт 503.
package api
