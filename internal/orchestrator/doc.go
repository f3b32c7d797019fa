// Package orchestrator продвигает runs по конвейеру выполнения.
//
// Orchestrator отвечает за:
//   - Получение событий об изменениях (pg_notify или RabbitMQ)
//   - Polling fallback на случай потерянных событий
//   - Возврат протухших захватов обратно в очередь
//   - Продвижение PENDING jobs с выполненными зависимостями в READY
//   - Финализацию runs (SUCCEEDED/FAILED)
//   - Прерывание выполняющихся jobs отменённых runs
//
// Все триггеры сводятся к одному коалесцированному проходу evaluate —
// «мозгу» движка, который выводит решения заново из текущего
// состояния БД.
package orchestrator
