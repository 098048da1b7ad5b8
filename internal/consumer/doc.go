// Package consumer определяет контракт выполнения job.
//
// Consumer получает снимок job, токен остановки и UpdateListener для
// промежуточных аннотаций, и ровно один раз вызывает DoneFunc с итогом:
//   - succeeded — job завершён успешно
//   - failed — временная ошибка, очередь повторит job по retry-бюджету
//   - cancelled — повтор не нужен (STOPPED, если поднят токен, иначе ERROR)
//
// Реализации:
//   - Func — синхронная функция
//   - Async — собственный ограниченный backlog; при переполнении
//     Execute возвращает ErrBackpressure
//   - HTTPConsumer — отправка свойств job на webhook; url, body и заголовки
//     рендерятся как Go templates над данными job (TemplateData)
//
// Registry сопоставляет topic с consumer'ом.
package consumer
