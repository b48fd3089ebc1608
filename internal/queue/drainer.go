package queue

import (
	"context"
	"log"
	"time"

	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/validate"
)

// SignFunc retries one parked request against the live provider set.
type SignFunc func(ctx context.Context, item *QueuedRequest) (*validate.ValidatedTimestamp, error)

// Drainer periodically claims batches from the retry queue and replays
// them. Requests that keep failing are retired to the dead-letter state
// and reported on the event bus.
type Drainer struct {
	store    Store
	sign     SignFunc
	bus      events.EventBus
	interval time.Duration
	batch    int
	workers  int
}

// NewDrainer wires a drainer. bus may be nil when no event store is
// configured; dead letters are then only logged and counted.
func NewDrainer(store Store, sign SignFunc, bus events.EventBus, interval time.Duration, batch, workers int) *Drainer {
	if workers < 1 {
		workers = 1
	}
	return &Drainer{
		store:    store,
		sign:     sign,
		bus:      bus,
		interval: interval,
		batch:    batch,
		workers:  workers,
	}
}

// Run drains on every interval tick until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce claims one batch and replays it with bounded parallelism.
func (d *Drainer) drainOnce(ctx context.Context) {
	items, err := d.store.Drain(ctx, d.batch)
	if err != nil {
		log.Printf("queue drain failed: %v", err)
		return
	}

	if len(items) > 0 {
		sem := make(chan struct{}, d.workers)
		done := make(chan struct{}, len(items))
		for _, item := range items {
			sem <- struct{}{}
			go func(item *QueuedRequest) {
				defer func() { <-sem; done <- struct{}{} }()
				d.process(ctx, item)
			}(item)
		}
		for range items {
			<-done
		}
	}

	if depth, err := d.store.Depth(ctx); err == nil {
		metrics.RecordQueueDepth(depth)
	}
}

func (d *Drainer) process(ctx context.Context, item *QueuedRequest) {
	token, err := d.sign(ctx, item)
	if err != nil {
		d.fail(ctx, item, err.Error())
		return
	}

	if err := d.store.Complete(ctx, item.ID, token.ProviderID, token.Token); err != nil {
		log.Printf("queue complete %s failed: %v", item.ID, err)
		return
	}
	metrics.RecordDrained("success")

	d.publish(ctx, events.NewEvent(events.EventTimestampSigned, "stampd.queue", map[string]any{
		"request_id":  item.ID.String(),
		"provider_id": token.ProviderID,
		"retry_count": item.RetryCount,
	}).WithTenant(item.TenantID))
}

func (d *Drainer) fail(ctx context.Context, item *QueuedRequest, reason string) {
	dead, err := d.store.Fail(ctx, item.ID, reason)
	if err != nil {
		log.Printf("queue fail %s failed: %v", item.ID, err)
		return
	}

	if !dead {
		metrics.RecordDrained("retry")
		return
	}

	metrics.RecordDrained("dead")
	metrics.RecordDeadLetter()
	log.Printf("queued request %s dead-lettered after %d retries: %s", item.ID, item.RetryCount+1, reason)

	d.publish(ctx, events.NewEvent(events.EventTimestampDeadLettered, "stampd.queue", map[string]any{
		"request_id":  item.ID.String(),
		"retry_count": item.RetryCount + 1,
		"last_error":  reason,
	}).WithTenant(item.TenantID))
}

// publish reports a lifecycle event. A failing bus never blocks the drain.
func (d *Drainer) publish(ctx context.Context, event events.Event) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, event); err != nil {
		log.Printf("%s event publish failed: %v", event.Type, err)
	}
}
