package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"dossio.org/scheduler"
)

// RabbitQueue is the RabbitMQ-backed refresh queue. The queue is declared
// durable so pending refreshes survive broker restarts.
type RabbitQueue struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery
}

// NewRabbitQueue connects to RabbitMQ and declares the refresh queue.
func NewRabbitQueue(url, name string) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if name == "" {
		name = "dossio-refresh"
	}
	_, err = ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(
		name,  // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return &RabbitQueue{connection: conn, channel: ch, name: name, deliveries: deliveries}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, task *scheduler.RefreshTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.channel.Publish(
		"",     // exchange (default)
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (q *RabbitQueue) Dequeue(timeout time.Duration) (*scheduler.RefreshTask, error) {
	select {
	case delivery, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("rabbit consumer channel closed")
		}
		var task scheduler.RefreshTask
		if err := json.Unmarshal(delivery.Body, &task); err != nil {
			// Unparseable tasks are dropped, not redelivered forever
			_ = delivery.Nack(false, false)
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if err := delivery.Ack(false); err != nil {
			return nil, fmt.Errorf("failed to ack task: %w", err)
		}
		return &task, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (q *RabbitQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		q.connection.Close()
		return err
	}
	return q.connection.Close()
}
