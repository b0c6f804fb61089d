// Package deploy реализует действия пользователя над flow:
// development и production deploy, stop, undeploy и очистку перед удалением.
//
// Структура:
//   - orchestrator.go — Orchestrator и его операции
//   - container.go    — имя, labels и окружение контейнера run
//   - artifacts.go    — запись кода и lock-файла на диск
//
// Инварианты:
//   - для пары (flow, type) не больше одного активного run
//   - active меняет только Orchestrator
//   - недоставленная команда deploy не оставляет записей в БД
package deploy
