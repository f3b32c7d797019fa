// Package scheduler создаёт runs по cron-расписаниям.
//
// Scheduler периодически проверяет schedules с истекшим next_due_at
// и триггерит runs через фасад от имени системного principal'а.
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Tick, processSchedule)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    Workflows: workflowRepo,
//	    Trigger:   facade,
//	    Logger:    logger,
//	})
//
//	// Вызывается каждый тик
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package scheduler
