package app

import (
	"sync"

	"github.com/agenthost/tenantd/internal/domain"
)

// subscriberBuffer bounds each subscriber channel. A consumer that falls
// this far behind loses events; the job row remains the durable record.
const subscriberBuffer = 32

// Broker fans provisioning events out to stream subscribers, keyed by
// job id. It separates driving a run (one owner, the engine) from
// observing it (any number of subscribers): attaching a stream never
// re-executes steps.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan domain.ProvisioningEvent
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan domain.ProvisioningEvent)}
}

// Subscribe registers a consumer for a job's events. The returned cancel
// function must be called when the consumer is done; the channel is
// closed either by cancel or when the run finishes.
func (b *Broker) Subscribe(jobID string) (<-chan domain.ProvisioningEvent, func()) {
	ch := make(chan domain.ProvisioningEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan domain.ProvisioningEvent)
	}
	id := b.next
	b.next++
	b.subs[jobID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[jobID][id]; ok {
			delete(b.subs[jobID], id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber of the job. Delivery is
// non-blocking: a full subscriber buffer drops the event rather than
// stalling the run.
func (b *Broker) Publish(jobID string, ev domain.ProvisioningEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Finish closes and removes all subscriber channels for a job. Called by
// the engine once the run reaches a terminal state.
func (b *Broker) Finish(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
