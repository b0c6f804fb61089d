// Package events обрабатывает события runtime, пришедшие из очереди.
//
// Таблица переходов:
//   - container_created  — container_id в run (и в flow для активного production)
//   - lock_generated     — lock, статус locked, затем артефакты и статус ready
//   - lock_failed        — статус lock_failed
//   - container_crashed  — статус error, finished_at
//   - new_state/status   — running или stopped (stopped, exited, finished, dead)
//   - actors/events      — перезаписываются, если есть в payload
//
// Изменения flow применяются только для активного production run.
package events
