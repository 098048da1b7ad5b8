// Package scheduler создаёт job по расписаниям (cron или интервал).
//
// Расписания хранятся в том же хранилище, что и job, под
// <root>/scheduled/<name>. Tick запускается на каждом экземпляре;
// отдельного лидера не нужно, так как каждый слот захватывается
// коммитом с проверкой версии.
//
// Структура:
//   - scheduler.go — Define, List, Remove, SetEnabled, Tick
//   - cron.go      — вычисление следующего запуска
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:  jobStore,
//	    Jobs:   jobManager,
//	    Logger: logger,
//	})
//	go sched.Run(ctx)
package scheduler
