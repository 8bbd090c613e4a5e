package antibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"shopsync/internal/notify"
	"shopsync/internal/storage"
	"shopsync/internal/upstream"
	logx "shopsync/pkg/logx"
)

// IncidentKey is the store key holding the current incident (0 or 1 at a time).
const IncidentKey = "antibot.incident"

// ErrCaptchaPending fails every preflight while an incident is open. The
// upstream requires out-of-band human verification, so the breaker never
// self-heals; only Clear() (operator action) resumes traffic.
var ErrCaptchaPending = errors.New("captcha pending: antibot incident open")

// Incident is one detected block event.
type Incident struct {
	IncidentID string    `json:"incident_id"`
	URL        string    `json:"url"`
	At         time.Time `json:"at"`
}

// Breaker gates the request queue. Clear -> Tripped on a 403 carrying a
// vendor incident id; Tripped -> Clear only via Clear().
//
// The incident lives in the store so a restart doesn't resume hammering a
// blocked upstream. An in-memory copy avoids a store read per preflight.
type Breaker struct {
	store    storage.Store
	notifier notify.Notifier
	log      logx.Logger

	mu     sync.Mutex
	cur    *Incident
	loaded bool
}

func New(store storage.Store, notifier notify.Notifier, log logx.Logger) *Breaker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Breaker{store: store, notifier: notifier, log: log}
}

// Load primes the in-memory state from the store. Call once at startup;
// preflights before Load fall back to a lazy read.
func (b *Breaker) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

func (b *Breaker) loadLocked(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	raw, ok, err := b.store.Get(ctx, IncidentKey)
	if err != nil {
		return fmt.Errorf("read incident: %w", err)
	}
	if ok {
		var inc Incident
		if err := json.Unmarshal(raw, &inc); err != nil {
			// A corrupt record must not unblock traffic silently.
			b.log.Error("incident record malformed; treating as tripped", logx.Err(err))
			inc = Incident{IncidentID: "unknown", At: time.Now()}
		}
		b.cur = &inc
		b.log.Warn("antibot incident restored from store",
			logx.String("incident_id", inc.IncidentID),
			logx.Time("at", inc.At),
		)
	}
	b.loaded = true
	return nil
}

// Preflight fails fast with ErrCaptchaPending while tripped; otherwise nil.
// It is called before every queue dispatch and must stay cheap.
func (b *Breaker) Preflight() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		_ = b.loadLocked(context.Background())
	}
	if b.cur != nil {
		return fmt.Errorf("%w (incident %s)", ErrCaptchaPending, b.cur.IncidentID)
	}
	return nil
}

// Tripped reports whether an incident is open.
func (b *Breaker) Tripped() bool {
	return b.Preflight() != nil
}

// Incident returns the current incident, if any.
func (b *Breaker) Incident() (Incident, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return Incident{}, false
	}
	return *b.cur, true
}

// Handle403 classifies a 403 body. If it carries an incident id the breaker
// trips (persist + notify) and returns true; otherwise it returns false and
// the caller treats the response as an ordinary HTTP error.
func (b *Breaker) Handle403(ctx context.Context, body []byte, url string) bool {
	id := upstream.ExtractIncidentID(body)
	if id == "" {
		return false
	}
	b.Trip(ctx, Incident{IncidentID: id, URL: url, At: time.Now()})
	return true
}

// Trip records the incident. Idempotent while the same incident is open.
func (b *Breaker) Trip(ctx context.Context, inc Incident) {
	b.mu.Lock()
	already := b.cur != nil
	b.cur = &inc
	b.loaded = true
	b.mu.Unlock()

	if raw, err := json.Marshal(inc); err == nil {
		if err := b.store.Put(ctx, IncidentKey, raw); err != nil {
			b.log.Error("persist incident failed", logx.Err(err))
		}
	}

	b.log.Error("antibot breaker tripped",
		logx.String("incident_id", inc.IncidentID),
		logx.String("url", inc.URL),
	)

	if already {
		// Don't re-notify while the first incident is still unresolved.
		return
	}
	_ = b.notifier.Notify(ctx, notify.Notification{
		Priority: 9,
		Title:    "Marketplace blocked automated access",
		Text: fmt.Sprintf(
			"Incident %s at %s (%s).\nAll sync requests are paused until the captcha is solved in a browser and the breaker is reset (POST /breaker/reset).",
			inc.IncidentID, inc.At.Format(time.RFC3339), inc.URL,
		),
	})
}

// Clear removes the persisted incident. Operator action only.
func (b *Breaker) Clear(ctx context.Context) error {
	b.mu.Lock()
	had := b.cur != nil
	b.cur = nil
	b.loaded = true
	b.mu.Unlock()

	if err := b.store.Delete(ctx, IncidentKey); err != nil {
		return fmt.Errorf("clear incident: %w", err)
	}
	if had {
		b.log.Info("antibot breaker cleared")
	}
	return nil
}
