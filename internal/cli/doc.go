// Package cli реализует команды инструмента conveyor.
//
// CLI подключается к БД напрямую и ходит через тот же фасад, что и
// остальные процессы: авторизация по ролям (--as) действует и здесь.
package cli
