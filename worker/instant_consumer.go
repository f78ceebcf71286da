package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"leadflow/services"

	"github.com/streadway/amqp"
)

const (
	retryHeader     = "x-retry-count"
	maxInstantRetry = 3
)

// republisher is the subset of *amqp.Channel used to requeue a failed job
type republisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// InstantConsumer runs queued instant responses. Failed jobs are
// republished with an incremented retry header, then dropped.
type InstantConsumer struct {
	Channel   *amqp.Channel
	Queue     string
	Responder services.InstantResponder
	Timeout   time.Duration
	Logger    *log.Logger

	requeue republisher
}

func NewInstantConsumer(ch *amqp.Channel, queue string, responder services.InstantResponder, logger *log.Logger) *InstantConsumer {
	if queue == "" {
		queue = services.DefaultInstantQueue
	}
	return &InstantConsumer{
		Channel:   ch,
		Queue:     queue,
		Responder: responder,
		Timeout:   2 * time.Minute,
		Logger:    logger,
		requeue:   ch,
	}
}

func (ic *InstantConsumer) Start(ctx context.Context) {
	if _, err := services.DeclareInstantQueue(ic.Channel, ic.Queue); err != nil {
		ic.Logger.Printf("Instant consumer disabled: %v", err)
		return
	}
	if err := ic.Channel.Qos(1, 0, false); err != nil {
		ic.Logger.Printf("Failed to set prefetch: %v", err)
	}

	msgs, err := ic.Channel.Consume(
		ic.Queue,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ic.Logger.Printf("Failed to register consumer: %v", err)
		return
	}

	ic.Logger.Printf("Instant consumer waiting for jobs on %s", ic.Queue)
	for {
		select {
		case <-ctx.Done():
			ic.Logger.Println("Instant consumer shutting down...")
			return
		case d, ok := <-msgs:
			if !ok {
				ic.Logger.Println("Instant queue channel closed")
				return
			}
			ic.handleDelivery(ctx, d)
		}
	}
}

func (ic *InstantConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var job services.InstantJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.LeadID == 0 {
		ic.Logger.Printf("Invalid job dropped: %s", string(d.Body))
		d.Ack(false)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, ic.Timeout)
	err := ic.Responder.ProcessInstantResponse(runCtx, job.LeadID)
	cancel()
	if err == nil || errors.Is(err, services.ErrLeadNotFound) {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= maxInstantRetry {
		ic.Logger.Printf("Instant response for lead %d failed after %d retries: %v", job.LeadID, retries, err)
		d.Ack(false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)

	pubErr := ic.requeue.Publish("", ic.Queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
	})
	if pubErr != nil {
		ic.Logger.Printf("Failed to requeue lead %d: %v", job.LeadID, pubErr)
		d.Nack(false, true)
		return
	}
	ic.Logger.Printf("Instant response for lead %d failed, retry %d queued: %v", job.LeadID, retries+1, err)
	d.Ack(false)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
