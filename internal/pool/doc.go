// Package pool предоставляет именованные пулы горутин для выполнения job.
//
// Каждый пул настраивается параметрами Min, Max, QueueDepth и ShutdownWait.
// Submit не блокирует вызывающего: переполненный пул отвечает ErrPoolFull,
// и очередь job воспринимает это как backpressure, оставляя job в QUEUED.
//
// Shutdown ждёт выполнения принятых задач до ShutdownWait, затем отменяет
// контекст, переданный задачам. Прервать выполнение consumer'а пул не может:
// остановка кооперативная.
package pool
