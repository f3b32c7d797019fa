// Package domain содержит доменные модели Conveyor:
// workflows, runs, jobs, их статусы и правила переходов.
//
// Машина состояний определена здесь (CanTransition, DeriveRunStatus),
// но применяется исключительно через координатор транзакций (internal/txn):
// никакой компонент не мутирует персистентное состояние run/job напрямую.
package domain
