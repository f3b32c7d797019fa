// Package listen доставляет события об изменениях runs и jobs.
//
// Два взаимозаменяемых транспорта за одним интерфейсом Listener:
//   - pg.go   — LISTEN/NOTIFY на выделенном соединении из пула (default)
//   - amqp.go — fanout exchange RabbitMQ (+ Publisher для отправки)
//
// Оба транспорта — best-effort: события могут теряться при разрывах.
// Это допустимо, потому что оркестратор дополняет их периодическим
// polling'ом, а каждый проход выводит решение заново из БД.
//
// Разрыв соединения — ErrConnectionLost: вызывающий пересоздаёт
// слушателя, сам пакет чинит только AMQP-соединение (connection.go).
package listen
