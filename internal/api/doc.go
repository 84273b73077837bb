// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (хранилища, publisher, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, recovery)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - task_handler.go   — обработчики для /tasks и квоты
//   - schema_handler.go — обработчики для /schemas
//   - health_handler.go — обработчики для /health
//
// API предоставляет REST endpoints для отправки tasks, публикации
// pipeline-схем и наблюдения за здоровьем провайдеров. Выполнение
// tasks асинхронно: API лишь ставит команды в очередь движку.
package api
