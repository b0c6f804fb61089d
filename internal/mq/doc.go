// Package mq предоставляет транспорт RabbitMQ между оркестратором и runtime.
//
// Структура:
//   - connection.go — ленивое соединение с RabbitMQ, reconnect, graceful shutdown
//   - topology.go   — объявление exchange, очередей и привязок
//   - publisher.go  — публикация команд (fire-and-forget)
//   - consumer.go   — потребление событий
//
// Команды (routing key command.<action>):
//   - create_container — запустить контейнер run
//   - generate_lock    — собрать lock зависимостей для production run
//   - stop_container   — остановить контейнер
//
// События (routing key event.<name>): container_created, lock_generated,
// lock_failed, container_crashed, изменения статуса контейнера и др.
//
// Exchange один на команды и события (topic, durable).
package mq
