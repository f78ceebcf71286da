package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"leadflow/utils"

	"github.com/streadway/amqp"
)

const DefaultInstantQueue = "instant_responses"

// InstantResponder is the part of the engine a dispatcher drives
type InstantResponder interface {
	ProcessInstantResponse(ctx context.Context, leadID uint) error
}

// Dispatcher triggers the instant response without blocking lead creation
type Dispatcher interface {
	Dispatch(leadID uint)
}

// AsyncDispatcher runs the instant response in a goroutine with its own deadline
type AsyncDispatcher struct {
	Responder InstantResponder
	Timeout   time.Duration
	Logger    *log.Logger
	wg        sync.WaitGroup
}

func NewAsyncDispatcher(responder InstantResponder, timeout time.Duration) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AsyncDispatcher{
		Responder: responder,
		Timeout:   timeout,
		Logger:    log.New(os.Stdout, "DISPATCH: ", log.LstdFlags),
	}
}

func (d *AsyncDispatcher) Dispatch(leadID uint) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
		defer cancel()

		if err := d.Responder.ProcessInstantResponse(ctx, leadID); err != nil {
			d.Logger.Printf("Instant response for lead %d failed: %v", leadID, err)
			utils.LogError("instant_response_failed", err, map[string]interface{}{"lead_id": leadID})
		}
	}()
}

// Wait blocks until every dispatched response has finished
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// InstantJob is the queue payload
type InstantJob struct {
	LeadID uint `json:"lead_id"`
}

// AMQPDispatcher queues instant responses on RabbitMQ and falls back to
// in-process dispatch when publishing fails.
type AMQPDispatcher struct {
	Channel  *amqp.Channel
	Queue    string
	Fallback Dispatcher
	Logger   *log.Logger
	mu       sync.Mutex
}

func NewAMQPDispatcher(ch *amqp.Channel, queue string, fallback Dispatcher) (*AMQPDispatcher, error) {
	if queue == "" {
		queue = DefaultInstantQueue
	}
	if _, err := DeclareInstantQueue(ch, queue); err != nil {
		return nil, err
	}
	return &AMQPDispatcher{
		Channel:  ch,
		Queue:    queue,
		Fallback: fallback,
		Logger:   log.New(os.Stdout, "DISPATCH: ", log.LstdFlags),
	}, nil
}

// DeclareInstantQueue declares the durable work queue used by both sides
func DeclareInstantQueue(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return q, nil
}

func (d *AMQPDispatcher) Dispatch(leadID uint) {
	if err := d.publish(leadID); err != nil {
		d.Logger.Printf("Failed to queue instant response for lead %d, running in-process: %v", leadID, err)
		if d.Fallback != nil {
			d.Fallback.Dispatch(leadID)
		}
	}
}

func (d *AMQPDispatcher) publish(leadID uint) error {
	body, err := json.Marshal(InstantJob{LeadID: leadID})
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.Channel.Publish(
		"",
		d.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}
