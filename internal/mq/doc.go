// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - task.pending    — новый task ожидает выполнения
//   - task.cancel     — запрос отмены task
//   - task.finished   — task достиг терминального статуса
//
// Exchanges:
//   - aiygw.tasks   — события tasks
//   - aiygw.dlq     — dead letter queue
//
// Очереди — это ускоритель, не источник истины: статус task живёт в
// БД, а движок имеет polling fallback на случай недоступности брокера.
package mq
