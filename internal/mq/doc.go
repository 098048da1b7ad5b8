// Package mq доставляет уведомления между экземплярами через RabbitMQ.
//
// Брокер не хранит job: источник истины — хранилище. Потерянное
// уведомление только откладывает подхват job до обхода хранилища.
//
// Структура:
//   - connection.go — соединение с reconnect
//   - topology.go   — exchanges и очередь экземпляра
//   - publisher.go  — job.added, control-сигналы, события
//   - consumer.go   — потребление и диспетчеризация уведомлений
//
// Exchanges:
//   - conveyor.jobs    — job.added владельцу (routing key instance.<id>)
//   - conveyor.control — stop / abort всем экземплярам
//   - conveyor.events  — job.started|finished|failed|cancelled
package mq
