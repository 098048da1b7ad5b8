// Package topology описывает состав кластера и выбор владельца job.
//
// Основные компоненты:
//   - Capabilities — неизменяемый снимок живых экземпляров с подсказками
//     о ёмкости и topics, для которых у экземпляра есть consumer
//   - Tracker — текущий снимок и сигнал об изменении состава
//   - Registry — heartbeat локального экземпляра и обновление Tracker
//
// Выбор владельца (DetectTarget) детерминирован для неизменного снимка.
// Для ORDERED очередей владелец один на очередь, для остальных job
// распределяются взвешенным rendezvous-хешированием. При изменении
// состава подписчики Tracker получают новый снимок и переназначают
// job ушедших экземпляров.
package topology
