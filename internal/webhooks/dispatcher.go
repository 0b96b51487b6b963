// Package webhooks delivers pipeline events to subscriber callback URLs and
// reads the subscriptions they registered.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
)

// Source is the log name of the dispatcher.
const Source = "webhooks"

const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 10 * time.Second
)

// Result counts deliveries for one event.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries is the total number of attempts per subscription.
	MaxRetries int
	// BaseBackoff is the wait after the first failed attempt; it doubles.
	BaseBackoff time.Duration
	Logger      *zap.Logger
	// OnDelivery receives "delivered" or "failed" per subscription.
	OnDelivery func(outcome string)
}

// Dispatcher posts signed event payloads.
type Dispatcher struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	log         *zap.Logger
	onDelivery  func(string)
	now         func() time.Time
}

func NewDispatcher(opts Options) *Dispatcher {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	retries := opts.MaxRetries
	if retries < 1 {
		retries = DefaultMaxRetries
	}
	base := opts.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		client:      client,
		maxRetries:  retries,
		baseBackoff: base,
		log:         log,
		onDelivery:  opts.OnDelivery,
		now:         time.Now,
	}
}

type envelope struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DispatchEvent delivers event to every active subscription that listens
// for it and whose filters accept data. Subscriptions are tried in order.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event string, data map[string]any, subs []Subscription) Result {
	var res Result
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event) || !sub.Filters.Matches(event, data) {
			continue
		}

		body, err := json.Marshal(envelope{
			Event:     event,
			Timestamp: d.now().UTC().Format(time.RFC3339Nano),
			Data:      data,
		})
		if err != nil {
			etlog.LogError(d.log, Source, "encode", err)
			res.Failed++
			d.record("failed")
			continue
		}

		if d.deliver(ctx, sub, event, body) {
			res.Delivered++
			d.record("delivered")
		} else {
			res.Failed++
			d.record("failed")
		}
	}
	return res
}

func (d *Dispatcher) record(outcome string) {
	if d.onDelivery != nil {
		d.onDelivery(outcome)
	}
}

// deliver posts body with retries on 5xx and transport errors. 4xx
// responses fail immediately.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, event string, body []byte) bool {
	deliveryID := uuid.NewString()
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Event", event)
		req.Header.Set("X-Webhook-Delivery", deliveryID)
		if sub.Secret != "" {
			req.Header.Set("X-Webhook-Signature", Sign(body, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode < 400:
			d.log.Info("webhook delivered",
				zap.Uint("subscription", sub.ID),
				zap.String("url", sub.URL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
			)
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	}

	notify := func(err error, wait time.Duration) {
		d.log.Warn("webhook delivery failed, retrying",
			zap.Uint("subscription", sub.ID),
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxRetries),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxRetries-1)), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		d.log.Warn("webhook delivery failed",
			zap.Uint("subscription", sub.ID),
			zap.String("url", sub.URL),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return false
	}
	return true
}
