// Package events delivers core notifications to external consumers through a
// queue, so slow consumers never stall connection handlers or tick loops.
package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"drone-telemetry/internal/models"
)

// Consumer receives notifications from the core. Return values are never
// inspected and implementations must not block for long.
type Consumer interface {
	OnReportReceived(report models.AggregatedReport)
	OnAnomalies(droneID string, anomalies []models.Anomaly)
	OnConnectionCountChanged(tier string, count int)
	OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64)
}

// NopConsumer implements Consumer with no-ops; embed it to handle a subset of events
type NopConsumer struct{}

func (NopConsumer) OnReportReceived(models.AggregatedReport) {}
func (NopConsumer) OnAnomalies(string, []models.Anomaly) {}
func (NopConsumer) OnConnectionCountChanged(string, int) {}
func (NopConsumer) OnDroneStatusChanged(string, models.DroneStatus, float64, float64, float64) {}

// DefaultQueueSize is the dispatcher queue length used when none is given
const DefaultQueueSize = 256

// Dispatcher is itself a Consumer: every call is queued and later delivered,
// in order, to all subscribers from a single goroutine.
type Dispatcher struct {
	queue chan func(Consumer)

	mu        sync.RWMutex
	consumers []Consumer

	dropped     atomic.Uint64
	warnLimiter *rate.Limiter
}

// NewDispatcher creates a dispatcher with a bounded queue
func NewDispatcher(queueSize int, consumers ...Consumer) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queue:       make(chan func(Consumer), queueSize),
		consumers:   consumers,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Subscribe adds a consumer; it receives events queued from now on
func (d *Dispatcher) Subscribe(c Consumer) {
	d.mu.Lock()
	d.consumers = append(d.consumers, c)
	d.mu.Unlock()
}

// Dropped returns how many events were discarded because the queue was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is done, then flushes what is left
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev func(Consumer)) {
	d.mu.RLock()
	consumers := d.consumers
	d.mu.RUnlock()

	for _, c := range consumers {
		ev(c)
	}
}

func (d *Dispatcher) enqueue(ev func(Consumer)) {
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		if d.warnLimiter.Allow() {
			log.Printf("Dispatcher: Warning: event queue full, dropping (%d dropped so far)", n)
		}
	}
}

func (d *Dispatcher) OnReportReceived(report models.AggregatedReport) {
	report.Anomalies = append([]models.Anomaly(nil), report.Anomalies...)
	d.enqueue(func(c Consumer) { c.OnReportReceived(report) })
}

func (d *Dispatcher) OnAnomalies(droneID string, anomalies []models.Anomaly) {
	anomalies = append([]models.Anomaly(nil), anomalies...)
	d.enqueue(func(c Consumer) { c.OnAnomalies(droneID, anomalies) })
}

func (d *Dispatcher) OnConnectionCountChanged(tier string, count int) {
	d.enqueue(func(c Consumer) { c.OnConnectionCountChanged(tier, count) })
}

func (d *Dispatcher) OnDroneStatusChanged(droneID string, status models.DroneStatus, battery, temperature, humidity float64) {
	d.enqueue(func(c Consumer) { c.OnDroneStatusChanged(droneID, status, battery, temperature, humidity) })
}
