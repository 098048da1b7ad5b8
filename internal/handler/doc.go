// Package handler реализует операции жизненного цикла одного job.
//
// Граф состояний:
//
//	QUEUED -> ACTIVE                                     StartProcessing
//	ACTIVE -> SUCCEEDED | STOPPED | GIVEN_UP | ERROR     Finished
//	ACTIVE -> QUEUED                                     Reschedule, Requeue, Reassign
//
// Handler изменяет запись только оптимистичным коммитом с версией, которую
// видел последней. Проигранная гонка (ErrConflict) не портит данные:
// операция возвращает false, и вызывающий повторяет её позже или уступает
// конкурирующему владельцу. Пропавшая запись логируется на уровне DEBUG:
// её, скорее всего, уже завершил другой экземпляр.
//
// Finished сначала пишет историю, затем удаляет живую запись, поэтому
// прерванный Finished безопасно повторить; обход обслуживания в manager
// завершает такие job сам.
package handler
