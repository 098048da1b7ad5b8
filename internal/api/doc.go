// Package api содержит HTTP API экземпляра.
//
// Структура:
//   - handler.go          — Handler с DI (manager, scheduler, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - job_handler.go      — обработчики для /jobs
//   - queue_handler.go    — обработчики для /queues и /topology
//   - schedule_handler.go — обработчики для /schedules
//
// API работает поверх локального Manager: любой экземпляр кластера
// принимает запросы, а маршрутизацию job к владельцу выполняет Manager.
package api
