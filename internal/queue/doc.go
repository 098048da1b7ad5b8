// Package queue реализует диспетчер job одного экземпляра кластера.
//
// Queue получает job, назначенные локальному экземпляру, и допускает их
// к выполнению в пределах окна MaxParallel. Допущенный job выполняется в
// горутине пула:
//
//  1. Handler.StartProcessing сохраняет маркер started
//  2. consumer выполняет работу и вызывает done ровно один раз
//  3. итог маршрутизируется в Finished, Reschedule или Reassign
//
// Backpressure (пул или backlog consumer'а заполнен) не теряет job:
// маркер started снимается через Requeue, job остаётся в backlog и
// повторяется после BackpressureDelay.
//
// Таймаут обработки ведётся самой очередью: consumer не прерывается,
// ему поднимается флаг остановки, а попытка считается неудачной.
//
// Приостановленная очередь не допускает новые job, но даёт активным
// завершиться; Resume продолжает с того же backlog и той же позиции
// обхода lanes.
package queue
