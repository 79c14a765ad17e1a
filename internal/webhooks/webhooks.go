// Package webhooks delivers lock events to HTTP endpoints registered by
// lock owners.
//
// An owner registers a URL for some or all event types. Every locked,
// released or matured event for that owner is POSTed as JSON and signed
// with HMAC-SHA256 over the body using the subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Lockdrop-Event"
	HeaderTimestamp = "X-Lockdrop-Timestamp"
	HeaderSignature = "X-Lockdrop-Signature"
)

const (
	// MaxConsecutiveFailures deactivates a subscription.
	MaxConsecutiveFailures = 10
	// MaxPerOwner caps subscriptions per account.
	MaxPerOwner = 10

	defaultQueueSize  = 1024
	defaultConcurrent = 8
)

var (
	ErrNotFound   = errors.New("webhooks: subscription not found")
	ErrClosed     = errors.New("webhooks: dispatcher closed")
	ErrQueueFull  = errors.New("webhooks: delivery queue full")
	ErrInvalidURL = errors.New("webhooks: invalid URL")
)

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	ID        string             `json:"id"`
	Type      lockdrop.EventType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      lockdrop.Event     `json:"data"`
}

// Subscription is an owner's registered endpoint.
type Subscription struct {
	ID                  string               `json:"id"`
	Owner               common.Address       `json:"-"`
	URL                 string               `json:"url"`
	Secret              string               `json:"-"`
	Events              []lockdrop.EventType `json:"events"`
	Active              bool                 `json:"active"`
	CreatedAt           time.Time            `json:"createdAt"`
	LastSuccess         *time.Time           `json:"lastSuccess,omitempty"`
	LastError           string               `json:"lastError,omitempty"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
// An empty event list means every type.
func (s *Subscription) Wants(t lockdrop.EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher is a lockdrop.EventSink. Publish only enqueues; Run looks up
// the owner's subscriptions and delivers with retries.
type Dispatcher struct {
	store        Store
	client       *http.Client
	policy       retry.Policy
	logger       *slog.Logger
	queue        chan lockdrop.Event
	sem          chan struct{}
	urlValidator func(string) error

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryPolicy replaces retry.Delivery.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// AllowPrivateTargets permits loopback and private network URLs.
// Development and tests only.
func AllowPrivateTargets() Option {
	return func(d *Dispatcher) { d.urlValidator = checkScheme }
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		policy:       retry.Delivery,
		logger:       logger,
		queue:        make(chan lockdrop.Event, defaultQueueSize),
		sem:          make(chan struct{}, defaultConcurrent),
		urlValidator: ValidateURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements lockdrop.EventSink.
func (d *Dispatcher) Name() string { return "webhooks" }

// Publish implements lockdrop.EventSink.
func (d *Dispatcher) Publish(_ context.Context, e lockdrop.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// ValidateTarget checks a URL before it is stored.
func (d *Dispatcher) ValidateTarget(raw string) error {
	return d.urlValidator(raw)
}

// Run delivers queued events until ctx is cancelled. Deliveries already
// started are allowed to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("webhook dispatcher stopped")
			return
		case e := <-d.queue:
			d.dispatch(ctx, e)
		}
	}
}

// Close rejects further events and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, e lockdrop.Event) {
	subs, err := d.store.ListByOwner(ctx, e.Owner)
	if err != nil {
		d.logger.Warn("webhook lookup failed", "owner", e.Owner.Hex(), "error", err)
		return
	}

	payload := Payload{ID: e.ID, Type: e.Type, Timestamp: e.At, Data: e}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload encode failed", "id", e.ID, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(e.Type) {
			continue
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.deliver(context.WithoutCancel(ctx), sub, e.Type, e.At, body)
		}(sub)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, t lockdrop.EventType, at time.Time, body []byte) {
	err := d.policy.Do(ctx, func(int) error {
		return d.send(ctx, sub, t, at, body)
	})
	if err != nil {
		d.recordFailure(ctx, sub, err)
		return
	}
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, t lockdrop.EventType, at time.Time, body []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(t))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	sub.LastError = cause.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"id", sub.ID, "owner", sub.Owner.Hex(), "failures", sub.ConsecutiveFailures)
	} else {
		d.logger.Info("webhook delivery failed", "id", sub.ID, "error", cause)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "id", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private or link-local address literal or localhost.
func ValidateURL(raw string) error {
	if err := checkScheme(raw); err != nil {
		return err
	}
	u, _ := url.Parse(raw)
	host := u.Hostname()
	if host == "localhost" {
		return fmt.Errorf("%w: localhost is not allowed", ErrInvalidURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: private address %s", ErrInvalidURL, host)
		}
	}
	return nil
}

func checkScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// MemoryStore keeps subscriptions in memory.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner common.Address) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
