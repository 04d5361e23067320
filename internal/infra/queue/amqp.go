package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

const maxQueuePriority = 10

// AMQPJobQueue реализует очередь задач обработки поверх RabbitMQ.
// Очередь durable, сообщения persistent, подтверждение ручное: задача
// возвращается в очередь, если воркер упал до ack.
type AMQPJobQueue struct {
	url   string
	queue string

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

var _ domain.JobQueue = (*AMQPJobQueue)(nil)

// NewAMQPJobQueue создаёт очередь и проверяет соединение.
func NewAMQPJobQueue(amqpURL, queueName string) (*AMQPJobQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queueName == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &AMQPJobQueue{url: amqpURL, queue: queueName}
	if _, err := q.ensureChannel(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPJobQueue) ensureChannel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel != nil && !q.channel.IsClosed() {
		return q.channel, nil
	}

	start := time.Now()
	conn, err := amqp.Dial(q.url)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", q.queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = channel.QueueDeclare(q.queue, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxQueuePriority),
	})
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	if q.conn != nil {
		_ = q.conn.Close()
	}
	q.conn = conn
	q.channel = channel
	q.deliveries = nil
	return channel, nil
}

// Enqueue публикует задачу в очередь.
func (q *AMQPJobQueue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	channel, err := q.ensureChannel()
	if err != nil {
		return err
	}

	priority := msg.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > maxQueuePriority {
		priority = maxQueuePriority
	}

	start := time.Now()
	err = channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(priority),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. Возвращённая ack-функция подтверждает
// сообщение или возвращает его в очередь.
func (q *AMQPJobQueue) Receive(ctx context.Context) (domain.JobMessage, domain.JobAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.JobMessage{}, nil, err
		}

		deliveries, err := q.ensureDeliveries()
		if err != nil {
			return domain.JobMessage{}, nil, err
		}

		select {
		case <-ctx.Done():
			return domain.JobMessage{}, nil, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				// Канал закрылся; пересоздаём подписку на следующей итерации.
				q.mu.Lock()
				q.deliveries = nil
				q.mu.Unlock()
				time.Sleep(time.Second)
				continue
			}
			var msg domain.JobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				_ = delivery.Nack(false, false)
				return domain.JobMessage{}, nil, fmt.Errorf("decode job: %w", err)
			}
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return msg, ack, nil
		}
	}
}

func (q *AMQPJobQueue) ensureDeliveries() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	if q.deliveries != nil && q.channel != nil && !q.channel.IsClosed() {
		deliveries := q.deliveries
		q.mu.Unlock()
		return deliveries, nil
	}
	q.mu.Unlock()

	channel, err := q.ensureChannel()
	if err != nil {
		return nil, err
	}
	deliveries, err := channel.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.mu.Lock()
	q.deliveries = deliveries
	q.mu.Unlock()
	return deliveries, nil
}

// Close закрывает соединение с брокером.
func (q *AMQPJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
