// Package dispatch выполняет отдельные jobs пулом executor-слотов.
//
// # Обзор
//
// Pool — компонент движка, который захватывает READY jobs и выполняет
// их. Pool отвечает за:
//
//   - Захват jobs через координатор транзакций (claim с guard'ом)
//   - Выполнение job в зависимости от типа (http, delay, noop)
//   - Отчёт о терминальном статусе (SUCCEEDED/FAILED/CANCELLED)
//   - Прерывание jobs отменённых runs (Abort)
//
// Слоты конкурируют за jobs честно: захват — одиночный guarded UPDATE,
// поэтому несколько engine-процессов могут работать над одной БД без
// дополнительной координации.
//
// # Ключевые компоненты
//
// ## Pool
//
// Основная структура, управляющая жизненным циклом слотов.
// Создаётся через NewPool(cfg Config) и запускается методом Start(ctx).
//
//	pool := dispatch.NewPool(dispatch.Config{
//	    Coordinator: coord,
//	    Source:      jobRepo,
//	    Size:        4,
//	    OnTerminal:  orch.OnJobTerminal,
//	    Logger:      logger,
//	})
//
//	pool.Start(ctx)
//	defer pool.Stop()
//
// ## Executor
//
// Интерфейс для выполнения конкретного типа job:
//
//	type Executor interface {
//	    Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error)
//	}
//
// Реализации:
//   - HTTPExecutor — HTTP-запросы (method, url, headers, body, timeout)
//   - DelayExecutor — задержка на указанное количество секунд
//   - NoopExecutor — мгновенный успех (для тестов и отладки DAG'ов)
//
// ## Registry
//
// Реестр executor'ов по типу job. NewRegistry() создаёт реестр
// с предустановленными executor'ами (http, delay, noop).
//
// # Обработка job
//
//  1. Wake или исчерпание очереди будит слот
//  2. ListReady даёт кандидатов, ClaimJob захватывает первого свободного
//  3. StartJob переводит в RUNNING и инкрементирует attempt
//  4. Выполнение через executor типа job
//  5. FinishJob фиксирует исход; retry-маршрутизацию (FAILED → READY,
//     пока attempt < max_attempts) делает координатор в той же транзакции
//
// Проигрыш гонки за захват — штатный Conflict: слот просто берёт
// следующего кандидата. Отчёт по протухшему захвату — no-op
// (ErrStaleClaim): job уже возвращён в очередь или отменён.
//
// # Ошибки
//
// Пакет различает два уровня ошибок:
//   - Инфраструктурные (error от Execute) — сеть упала, DNS не резолвится
//   - Логические (ExecutionResult.Error) — HTTP 500, невалидные параметры
//
// Обе дают FAILED; retry решается по attempt/max_attempts в БД, а не
// в процессе — упавший слот не теряет попытку.
package dispatch
