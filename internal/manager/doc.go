// Package manager реализует JobManager — фасад движка job экземпляра.
//
// Manager создаёт job (NewJobBuilder), ищет их (GetJobByID, FindJobs),
// управляет ими (StopJobByID, AbortJob, RetryJobByID, Control) и держит
// локальные очереди.
//
// Владельца нового job выбирает topology.Capabilities.DetectTarget.
// Локальный job сразу попадает в очередь; удалённому владельцу уходит
// уведомление через Notifier. Уведомления — ускорение, а не гарантия:
// периодический обход хранилища (Sweep) подхватывает всё, что
// уведомления пропустили.
//
// Переназначение выполняет лидер (экземпляр с наименьшим ID) при каждом
// обходе и сразу по сигналу изменения состава кластера.
package manager
