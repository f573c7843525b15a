package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/pkg/rabbitmq"
)

// EventHandler is the part of Service the broker consumer drives.
type EventHandler interface {
	HandleEvent(ctx context.Context, accountID string, event domain.PinEvent) (*domain.Outcome, error)
}

// PinEventConsumer feeds adapter events from RabbitMQ into the service and publishes each outcome.
type PinEventConsumer struct {
	handler  EventHandler
	producer rabbitmq.Publisher
	exchange string
	timeout  time.Duration
}

func NewPinEventConsumer(handler EventHandler, producer rabbitmq.Publisher, exchange string) *PinEventConsumer {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultEventsExchange
	}
	return &PinEventConsumer{
		handler:  handler,
		producer: producer,
		exchange: exchange,
		timeout:  45 * time.Second,
	}
}

// OrderingKey keys deliveries by account so one account's events stay in order
// while other accounts are handled in parallel.
func (c *PinEventConsumer) OrderingKey(routingKey string, body []byte) string {
	var msg struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return ""
	}
	return strings.TrimSpace(msg.AccountID)
}

// HandleMessage always acknowledges. Events are not idempotent (a redelivered digit
// would be appended twice), so a handled event is never requeued.
func (c *PinEventConsumer) HandleMessage(body []byte) bool {
	var msg domain.PinSessionEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"failed to unmarshal pin event; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(msg.AccountID) == "" {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"pin event missing account id; dropping\" event_id=%s", msg.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var outcome *domain.Outcome
	event, err := msg.Event.ToPinEvent()
	if err != nil {
		outcome = &domain.Outcome{
			Kind:      domain.OutcomeRejected,
			AccountID: msg.AccountID,
			Code:      errorCode(ErrInvalidEvent),
			Reason:    err.Error(),
		}
	} else {
		outcome, err = c.handler.HandleEvent(ctx, msg.AccountID, event)
		if outcome == nil {
			outcome = &domain.Outcome{Kind: domain.OutcomeRejected, AccountID: msg.AccountID, Code: errorCode(err)}
		}
		if err != nil {
			log.Printf("level=info component=rabbitmq_consumer msg=\"pin event rejected\" event_id=%s account_id=%s type=%s outcome=%s err=%v", msg.EventID, msg.AccountID, event.Type, outcome.Kind, err)
		}
	}

	reply := domain.PinSessionOutcomeMessage{
		EventID:    msg.EventID,
		AccountID:  msg.AccountID,
		Outcome:    outcome,
		OccurredAt: time.Now().UTC(),
	}
	if err := c.producer.Publish(ctx, c.exchange, rabbitmq.RoutingKeyPinSessionOutcome, reply); err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"outcome publish failed\" event_id=%s account_id=%s err=%v", msg.EventID, msg.AccountID, err)
	}
	return true
}
