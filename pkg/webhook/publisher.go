package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Publisher receives lifecycle events after the transition has committed.
// Publish must not block on delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// Endpoint is one subscriber. An empty Secret is derived from the master
// secret; KeyID defaults to "1".
type Endpoint struct {
	ID     string
	URL    string
	Secret []byte
	KeyID  string
}

// Config configures a Dispatcher.
type Config struct {
	Endpoints    []Endpoint
	MasterSecret []byte

	QueueSize   int
	RPS         float64
	Burst       int
	MaxAttempts int
	BaseBackoff time.Duration

	BreakerThreshold int
	BreakerReset     time.Duration

	Client *http.Client
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RPS) + 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
}

type delivery struct {
	endpoint *endpointState
	event    Event
	body     []byte
}

type endpointState struct {
	Endpoint
	breaker *circuitBreaker
}

// Dispatcher delivers events asynchronously: a bounded queue drained by a
// single worker, paced by a token bucket and retried with exponential
// backoff. A full queue drops the event.
type Dispatcher struct {
	cfg       Config
	endpoints []*endpointState
	queue     chan delivery
	limiter   *rate.Limiter
	logger    *slog.Logger
	delivered metric.Int64Counter
	sleep     func(context.Context, time.Duration) error

	stop    context.CancelFunc
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// NewDispatcher starts the delivery worker. Callers must Close it.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	cfg.defaults()
	d := &Dispatcher{
		cfg:     cfg,
		queue:   make(chan delivery, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  slog.Default().With("component", "webhook"),
		sleep:   sleepCtx,
		done:    make(chan struct{}),
	}
	for _, ep := range cfg.Endpoints {
		if ep.ID == "" || ep.URL == "" {
			return nil, fmt.Errorf("webhook endpoint requires id and url (got %q=%q)", ep.ID, ep.URL)
		}
		if len(ep.Secret) == 0 {
			s, err := DeriveSecret(cfg.MasterSecret, ep.ID)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.ID, err)
			}
			ep.Secret = s
		}
		if ep.KeyID == "" {
			ep.KeyID = "1"
		}
		d.endpoints = append(d.endpoints, &endpointState{
			Endpoint: ep,
			breaker:  newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		})
	}

	counter, err := otel.Meter("opsgate.webhook").Int64Counter("opsgate.webhook.deliveries",
		metric.WithDescription("Webhook delivery outcomes"))
	if err != nil {
		return nil, fmt.Errorf("webhook metrics: %w", err)
	}
	d.delivered = counter

	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	go d.run(ctx)
	return d, nil
}

// Publish enqueues ev for every endpoint.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.ErrorContext(ctx, "webhook event encode failed", "event_id", ev.ID, "error", err)
		return
	}
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}
	for _, ep := range d.endpoints {
		select {
		case d.queue <- delivery{endpoint: ep, event: ev, body: body}:
		default:
			d.logger.WarnContext(ctx, "webhook queue full, event dropped",
				"endpoint", ep.ID, "event_id", ev.ID, "type", ev.Type)
			d.record(ctx, ep.ID, "dropped")
		}
	}
}

// Close stops accepting events and waits for queued deliveries until ctx
// is done, after which in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.closeMu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.stop()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for job := range d.queue {
		if ctx.Err() != nil {
			continue
		}
		if err := d.deliver(ctx, job); err != nil {
			d.logger.ErrorContext(ctx, "webhook delivery failed",
				"endpoint", job.endpoint.ID, "event_id", job.event.ID, "type", job.event.Type, "error", err)
			d.record(ctx, job.endpoint.ID, "failed")
			continue
		}
		d.record(ctx, job.endpoint.ID, "delivered")
	}
}

var errPermanent = errors.New("permanent delivery failure")

func (d *Dispatcher) deliver(ctx context.Context, job delivery) error {
	ep := job.endpoint
	if !ep.breaker.Allow() {
		return fmt.Errorf("circuit open for endpoint %s", ep.ID)
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				return err
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = d.send(ctx, ep, job.body)
		if lastErr == nil {
			ep.breaker.Success()
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			break
		}
	}
	ep.breaker.Failure()
	return lastErr
}

func (d *Dispatcher) send(ctx context.Context, ep *endpointState, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, ep.Secret, ep.KeyID, time.Now()))

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: endpoint returned %d", errPermanent, resp.StatusCode)
	}
}

// backoff is base * 2^(attempt-1) plus up to 25% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff << (attempt - 1)
	return b + time.Duration(rand.Int64N(int64(b)/4+1))
}

func (d *Dispatcher) record(ctx context.Context, endpoint, outcome string) {
	d.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
