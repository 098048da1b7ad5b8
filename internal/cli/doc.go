// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с API экземпляра.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// Любой экземпляр кластера принимает команды: job маршрутизируются
// к владельцу на стороне сервера.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует HTTP-запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
// Ошибки сервера возвращаются как *APIError со статусом и кодом.
//
//	client := cli.NewClient("http://localhost:8080")
//	jobs, err := client.ListJobs(cli.ListJobsOpts{Type: "QUEUED"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor job list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - job: list, add, show, stop, abort, retry
//   - queue: list, suspend, resume, clear
//   - topology
//   - schedule: list, set, show, delete, enable, disable
//
// Каждая группа создаётся через фабричную функцию (NewJobCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
