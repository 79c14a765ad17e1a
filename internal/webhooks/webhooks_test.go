package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/auth"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/retry"
	"github.com/mbd888/lockdrop/internal/settlement"
	"github.com/mbd888/lockdrop/internal/units"
)

var (
	alice = account.MustParse("0x00000000000000000000000000000000000000a1")
	bob   = account.MustParse("0x00000000000000000000000000000000000000b2")
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func newTestDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		AllowPrivateTargets(), WithRetryPolicy(fastRetry))
}

// startDispatcher runs d until the test ends.
func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lockedEvent(owner common.Address) lockdrop.Event {
	return lockdrop.Event{
		ID:     "evt-1",
		Seq:    1,
		Type:   lockdrop.EventLocked,
		Owner:  owner,
		Amount: units.MustParse("5"),
		At:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		Owner:     alice,
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []lockdrop.EventType{lockdrop.EventLocked},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestMemoryStore_ListByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice})
	_ = store.Create(ctx, &Subscription{ID: "wh2", Owner: alice})
	_ = store.Create(ctx, &Subscription{ID: "wh3", Owner: bob})

	subs, err := store.ListByOwner(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Errorf("Expected 2 subscriptions for alice, got %d", len(subs))
	}
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{}
	if !all.Wants(lockdrop.EventMatured) {
		t.Error("empty event list should match every type")
	}

	some := &Subscription{Events: []lockdrop.EventType{lockdrop.EventReleased}}
	if some.Wants(lockdrop.EventLocked) {
		t.Error("should not match unlisted type")
	}
	if !some.Wants(lockdrop.EventReleased) {
		t.Error("should match listed type")
	}
}

// ---------------------------------------------------------------------------
// Signing and URL checks
// ---------------------------------------------------------------------------

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"evt-1"}`)
	sig := Sign(payload, "s3cret")

	if !Verify(payload, "s3cret", sig) {
		t.Error("signature should verify")
	}
	if Verify(payload, "other", sig) {
		t.Error("signature should not verify under another secret")
	}
	if Verify([]byte(`{"id":"evt-2"}`), "s3cret", sig) {
		t.Error("signature should not verify for another payload")
	}
	if Verify(payload, "s3cret", "zz") {
		t.Error("malformed signature should not verify")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/lockdrop", true},
		{"http://93.184.216.34/hook", true},
		{"ftp://example.com/hook", false},
		{"https:///nohost", false},
		{"http://localhost:8080/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.0.0.5/hook", false},
		{"http://192.168.1.1/hook", false},
		{"http://169.254.169.254/latest", false},
		{"http://[::1]/hook", false},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidURL) {
			t.Errorf("%s: expected ErrInvalidURL, got %v", tt.url, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	type received struct {
		body   []byte
		header http.Header
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, header: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Secret: "s3cret", Active: true})

	d := newTestDispatcher(store)
	startDispatcher(t, d)

	if err := d.Publish(ctx, lockedEvent(alice)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var r received
	select {
	case r = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	if r.header.Get(HeaderEvent) != "locked" {
		t.Errorf("Expected event header locked, got %q", r.header.Get(HeaderEvent))
	}
	if !Verify(r.body, "s3cret", r.header.Get(HeaderSignature)) {
		t.Error("signature header does not match body")
	}

	var p struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Owner  string `json:"owner"`
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(r.body, &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.ID != "evt-1" || p.Type != "locked" || p.Data.Amount != "5" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.Data.Owner != account.Hex(alice) {
		t.Errorf("Expected owner %s, got %s", account.Hex(alice), p.Data.Owner)
	}

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.LastSuccess != nil
	})
}

func TestDispatcher_SkipsOtherOwnersAndTypes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "bob", Owner: bob, URL: srv.URL, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "released-only", Owner: alice, URL: srv.URL, Active: true,
		Events: []lockdrop.EventType{lockdrop.EventReleased}})
	_ = store.Create(ctx, &Subscription{ID: "inactive", Owner: alice, URL: srv.URL, Active: false})
	_ = store.Create(ctx, &Subscription{ID: "locked", Owner: alice, URL: srv.URL, Active: true,
		Events: []lockdrop.EventType{lockdrop.EventLocked}})

	d := newTestDispatcher(store)
	startDispatcher(t, d)

	_ = d.Publish(ctx, lockedEvent(alice))
	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "locked")
		return sub.LastSuccess != nil
	})
	d.Close()

	if n := hits.Load(); n != 1 {
		t.Errorf("Expected exactly 1 delivery, got %d", n)
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Active: true, ConsecutiveFailures: 2})

	d := newTestDispatcher(store)
	startDispatcher(t, d)
	_ = d.Publish(ctx, lockedEvent(alice))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.LastSuccess != nil
	})
	sub, _ := store.Get(ctx, "wh1")
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("success should reset failures, got %d", sub.ConsecutiveFailures)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Active: true})

	d := newTestDispatcher(store)
	startDispatcher(t, d)
	_ = d.Publish(ctx, lockedEvent(alice))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.ConsecutiveFailures == 1
	})
	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError != "status 410" {
		t.Errorf("Expected last error 'status 410', got %q", sub.LastError)
	}
	if !sub.Active {
		t.Error("a single failure must not deactivate")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected 1 attempt, got %d", n)
	}
}

func TestDispatcher_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Active: true,
		ConsecutiveFailures: MaxConsecutiveFailures - 1})

	d := newTestDispatcher(store)
	startDispatcher(t, d)
	_ = d.Publish(ctx, lockedEvent(alice))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return !sub.Active
	})
}

func TestDispatcher_RejectsPrivateTargetsByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Active: true})

	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)), WithRetryPolicy(fastRetry))
	if err := d.ValidateTarget(srv.URL); err == nil {
		t.Error("loopback target should be rejected")
	}
	startDispatcher(t, d)
	_ = d.Publish(ctx, lockedEvent(alice))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.ConsecutiveFailures == 1
	})
	if calls.Load() != 0 {
		t.Error("private target must never be contacted")
	}
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	d.Close()
	if err := d.Publish(context.Background(), lockedEvent(alice)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	d.queue = make(chan lockdrop.Event, 1)

	if err := d.Publish(context.Background(), lockedEvent(alice)); err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(context.Background(), lockedEvent(alice)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestDispatcher_AsLockServiceSink(t *testing.T) {
	var mu sync.Mutex
	var types []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get(HeaderEvent))
		mu.Unlock()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: alice, URL: srv.URL, Active: true})

	d := newTestDispatcher(store)
	startDispatcher(t, d)

	bank := settlement.NewMemoryBank()
	if err := bank.Fund(alice, units.MustParse("10")); err != nil {
		t.Fatal(err)
	}
	svc := lockdrop.NewService(lockdrop.DefaultPolicy(), lockdrop.NewMemoryStore(), bank, nil).WithSink(d)

	amount := units.MustParse("3")
	if _, err := svc.Lock(ctx, lockdrop.LockInput{Caller: alice, Amount: amount, Value: amount}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := svc.Release(ctx, alice); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{types[0]: true, types[1]: true}
	if !seen["locked"] || !seen["released"] {
		t.Errorf("Expected locked and released deliveries, got %v", types)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestRouter(store Store, owner *common.Address) *gin.Engine {
	d := newTestDispatcher(store)
	h := NewHandler(store, d)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		if owner != nil {
			key := &auth.APIKey{ID: "ak_test", Account: *owner}
			c.Set(auth.ContextKeyAPIKey, key)
			c.Set(auth.ContextKeyAccount, account.Hex(key.Account))
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(g)
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	owner := alice
	r := newTestRouter(store, &owner)

	w := doJSON(r, "POST", "/v1/webhooks", map[string]any{
		"url":    "http://127.0.0.1:9999/hook",
		"events": []string{"locked", "released"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook struct {
			ID     string   `json:"id"`
			Events []string `json:"events"`
		} `json:"webhook"`
		Secret string `json:"secret"`
		Owner  string `json:"owner"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" || created.Webhook.ID == "" {
		t.Fatalf("Expected id and secret, got %s", w.Body.String())
	}
	if created.Owner != account.Hex(alice) {
		t.Errorf("Expected owner %s, got %s", account.Hex(alice), created.Owner)
	}

	w = doJSON(r, "GET", "/v1/webhooks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Error("list must not expose secrets")
	}
	var listed struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &listed)
	if listed.Count != 1 {
		t.Errorf("Expected 1 webhook, got %d", listed.Count)
	}

	w = doJSON(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
}

func TestHandler_RejectsBadInput(t *testing.T) {
	owner := alice
	r := newTestRouter(NewMemoryStore(), &owner)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing url", map[string]any{}, "invalid_request"},
		{"bad scheme", map[string]any{"url": "ftp://example.com"}, "invalid_url"},
		{"unknown event", map[string]any{"url": "https://example.com", "events": []string{"payment"}}, "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/v1/webhooks", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", w.Code)
			}
			var resp map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.code {
				t.Errorf("Expected error %s, got %v", tt.code, resp["error"])
			}
		})
	}
}

func TestHandler_CannotDeleteOtherOwnersWebhook(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{ID: "wh_bob", Owner: bob, URL: "https://example.com", Active: true})

	owner := alice
	r := newTestRouter(store, &owner)

	w := doJSON(r, "DELETE", "/v1/webhooks/wh_bob", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), "wh_bob"); err != nil {
		t.Error("bob's webhook must survive")
	}
}

func TestHandler_LimitPerOwner(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < MaxPerOwner; i++ {
		_ = store.Create(context.Background(), &Subscription{ID: string(rune('a' + i)), Owner: alice})
	}
	owner := alice
	r := newTestRouter(store, &owner)

	w := doJSON(r, "POST", "/v1/webhooks", map[string]any{"url": "https://example.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestHandler_RequiresAccount(t *testing.T) {
	r := newTestRouter(NewMemoryStore(), nil)

	w := doJSON(r, "GET", "/v1/webhooks", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
