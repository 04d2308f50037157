package utils

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/srand/buildmaster/pkg/log"
)

type BroadcastConsumer[E any] struct {
	Chan      chan E
	ID        string
	broadcast *Broadcast[E]
}

// Fan-out of values to any number of consumers.
// A consumer that does not keep up for longer than the send timeout
// misses the value; the sender is never blocked indefinitely.
type Broadcast[E any] struct {
	sync.RWMutex
	consumers map[string]*BroadcastConsumer[E]
	timeout   time.Duration
	closed    bool
}

func NewBroadcast[E any](timeout time.Duration) *Broadcast[E] {
	return &Broadcast[E]{
		consumers: map[string]*BroadcastConsumer[E]{},
		timeout:   timeout,
	}
}

// Registers a new consumer. The consumer channel is closed when
// either the consumer or the broadcast is closed.
func (bc *Broadcast[E]) NewConsumer() *BroadcastConsumer[E] {
	consumer := &BroadcastConsumer[E]{
		Chan:      make(chan E, 100),
		ID:        uuid.NewString(),
		broadcast: bc,
	}

	bc.Lock()
	defer bc.Unlock()

	if bc.closed {
		close(consumer.Chan)
		return consumer
	}

	bc.consumers[consumer.ID] = consumer
	return consumer
}

func (bc *Broadcast[E]) HasConsumer() bool {
	bc.RLock()
	defer bc.RUnlock()
	return len(bc.consumers) > 0
}

func (bc *Broadcast[E]) Close() {
	bc.Lock()
	defer bc.Unlock()

	for _, consumer := range bc.consumers {
		close(consumer.Chan)
	}

	bc.consumers = map[string]*BroadcastConsumer[E]{}
	bc.closed = true
}

func (bc *Broadcast[E]) remove(bcc *BroadcastConsumer[E]) bool {
	bc.Lock()
	defer bc.Unlock()
	_, ok := bc.consumers[bcc.ID]
	delete(bc.consumers, bcc.ID)
	return ok
}

func (bcc *BroadcastConsumer[E]) Close() {
	if bcc.broadcast.remove(bcc) {
		close(bcc.Chan)
	}
}

func (bcc *BroadcastConsumer[E]) send(data E, timeout time.Duration) bool {
	select {
	case bcc.Chan <- data:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case bcc.Chan <- data:
		return true
	case <-timer.C:
		return false
	}
}

// Sends a value to all consumers.
func (bc *Broadcast[E]) Send(data E) {
	bc.RLock()
	defer bc.RUnlock()

	for _, c := range bc.consumers {
		if !c.send(data, bc.timeout) {
			log.Warnf("drop - event - consumer: %s, channel full", c.ID)
		}
	}
}
