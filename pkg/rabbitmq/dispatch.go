package rabbitmq

import (
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultDispatchWorkers = 16

// KeyFunc picks the ordering key of a delivery. Deliveries that share a key are
// handled one at a time in arrival order; different keys are handled concurrently.
type KeyFunc func(routingKey string, body []byte) string

// keyedDispatcher runs at most `workers` keys at once. A key that is already being
// drained queues its new deliveries behind the running one.
type keyedDispatcher struct {
	handlers map[string]Handler
	key      KeyFunc
	slots    chan struct{}

	mu      sync.Mutex
	pending map[string][]amqp.Delivery
	wg      sync.WaitGroup
}

func newKeyedDispatcher(handlers map[string]Handler, key KeyFunc, workers int) *keyedDispatcher {
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	return &keyedDispatcher{
		handlers: handlers,
		key:      key,
		slots:    make(chan struct{}, workers),
		pending:  make(map[string][]amqp.Delivery),
	}
}

// run dispatches until msgs closes, then waits for in-flight handlers.
func (d *keyedDispatcher) run(msgs <-chan amqp.Delivery) {
	for msg := range msgs {
		d.dispatch(msg)
	}
	d.wg.Wait()
}

func (d *keyedDispatcher) dispatch(msg amqp.Delivery) {
	var key string
	if d.key != nil {
		key = d.key(msg.RoutingKey, msg.Body)
	}

	d.mu.Lock()
	if queue, busy := d.pending[key]; busy {
		d.pending[key] = append(queue, msg)
		d.mu.Unlock()
		return
	}
	d.pending[key] = nil
	d.mu.Unlock()

	d.slots <- struct{}{}
	d.wg.Add(1)
	go d.drain(key, msg)
}

func (d *keyedDispatcher) drain(key string, msg amqp.Delivery) {
	defer d.wg.Done()
	defer func() { <-d.slots }()

	for {
		d.handle(msg)

		d.mu.Lock()
		queue := d.pending[key]
		if len(queue) == 0 {
			delete(d.pending, key)
			d.mu.Unlock()
			return
		}
		msg, d.pending[key] = queue[0], queue[1:]
		d.mu.Unlock()
	}
}

func (d *keyedDispatcher) handle(msg amqp.Delivery) {
	handler, ok := d.handlers[msg.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", msg.RoutingKey)
		msg.Ack(false)
		return
	}
	if handler(msg.Body) {
		msg.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", msg.RoutingKey)
	msg.Nack(false, true)
}
