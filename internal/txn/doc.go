// Package txn — координатор транзакций над статусами runs и jobs.
//
// Каждый переход статуса — одна транзакция с guard'ом в WHERE:
// переход применяется только если строка всё ещё в ожидаемом
// состоянии и принадлежит ожидаемому executor'у. Ноль затронутых
// строк — не ошибка данных, а проигранная гонка (Conflict) или
// протухший захват (ErrStaleClaim).
//
// Уведомление pg_notify отправляется в той же транзакции, что и
// переход: слушатели не увидят событие раньше коммита и не увидят
// событий откатившихся транзакций.
package txn
