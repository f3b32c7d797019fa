package listen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/conveyor/internal/domain"
)

// eventsExchange — fanout-обменник событий изменений.
//
// Каждый слушатель заводит собственную эксклюзивную очередь: события
// нужны всем инстансам сразу, а не распределяются между ними.
const eventsExchange = "conveyor.events"

// AMQPListener — вариант Listener поверх RabbitMQ.
//
// Используется, когда несколько инстансов движка разнесены от БД и
// pg_notify недоступен или нежелателен. Разрывы соединения переживает
// сам (reconnect внутри Connection), пересоздавая подписку.
type AMQPListener struct {
	conn   *Connection
	logger *slog.Logger

	mu         sync.Mutex
	queue      string
	deliveries <-chan amqp.Delivery
}

// NewAMQPListener объявляет топологию и подписывается на события.
func NewAMQPListener(conn *Connection, logger *slog.Logger) (*AMQPListener, error) {
	l := &AMQPListener{
		conn:   conn,
		logger: logger.With("component", "listen"),
	}
	if err := l.subscribe(); err != nil {
		return nil, err
	}
	return l, nil
}

// subscribe объявляет exchange, эксклюзивную очередь и начинает consume.
func (l *AMQPListener) subscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := l.conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	if err := ch.ExchangeDeclare(
		eventsExchange,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", eventsExchange, err)
	}

	// Server-named эксклюзивная очередь: живёт, пока жив слушатель.
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare events queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", eventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag (auto-generated)
		true,  // auto-ack: события эфемерны, потерю компенсирует polling
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	l.queue = q.Name
	l.deliveries = deliveries
	l.logger.Info("subscribed to change events", "exchange", eventsExchange, "queue", q.Name)
	return nil
}

// Receive блокируется до следующего события.
//
// При разрыве ждёт reconnect и подписывается заново; ErrConnectionLost
// возвращается только после закрытия соединения.
func (l *AMQPListener) Receive(ctx context.Context) (*domain.ChangeEvent, error) {
	for {
		l.mu.Lock()
		deliveries := l.deliveries
		l.mu.Unlock()

		if deliveries == nil {
			if err := l.awaitReconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				l.mu.Lock()
				l.deliveries = nil
				l.mu.Unlock()
				continue
			}

			ev, err := domain.ParseChangeEvent(raw.Body)
			if err != nil {
				l.logger.Warn("skipping malformed event", "queue", l.queue, "error", err)
				continue
			}
			return ev, nil
		}
	}
}

// awaitReconnect ждёт восстановления соединения и пересоздаёт подписку.
func (l *AMQPListener) awaitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.conn.Done():
		return ErrConnectionLost
	case <-l.conn.ReconnectNotify():
	}

	if err := l.subscribe(); err != nil {
		l.logger.Warn("resubscribe failed", "error", err)
		// Подписка не удалась — подождём следующего reconnect.
		return nil
	}
	return nil
}

// Close отписывает слушателя. Само соединение закрывает владелец.
func (l *AMQPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries = nil
	return nil
}

// Publisher транслирует события изменений в AMQP exchange.
//
// Подключается к координатору как пост-commit хук: события в RabbitMQ
// уходят только после фиксации транзакции, best-effort.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher и объявляет exchange.
func NewPublisher(conn *Connection, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		conn:   conn,
		logger: logger.With("component", "listen"),
	}

	ch := conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}
	if err := ch.ExchangeDeclare(eventsExchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", eventsExchange, err)
	}
	return p, nil
}

// Publish отправляет событие в exchange.
func (p *Publisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	body, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			eventsExchange,
			"", // fanout игнорирует routing key
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Timestamp:   time.Now(),
				Body:        body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", eventsExchange, err)
		}

		p.logger.Debug("published change event",
			"table", ev.Table, "op", ev.Op, "run_id", ev.RunID)
		return nil
	})
}
