// Package webhook authenticates provider notifications before they reach
// the session orchestrator: HMAC signature, timestamp freshness and
// duplicate suppression keyed on the signed body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// Dedup remembers processed request ids for a bounded window.
// MarkProcessed is the atomic check: it records the id and reports true
// only for the first caller.  Forget drops an id whose processing failed
// so the provider's retry gets through.
type Dedup interface {
	IsDuplicate(ctx context.Context, requestID string) bool
	MarkProcessed(ctx context.Context, requestID string) bool
	Forget(ctx context.Context, requestID string)
}

// Guard holds the per-provider secrets and the dedup record.
type Guard struct {
	secrets map[model.Provider]string
	maxAge  time.Duration
	dedup   Dedup
	now     func() time.Time
}

// NewGuard builds a guard.  A provider without a secret never verifies.
func NewGuard(secrets map[model.Provider]string, maxAge time.Duration, dedup Dedup, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{secrets: secrets, maxAge: maxAge, dedup: dedup, now: now}
}

// Signature is a parsed signature header.  Two formats are accepted: a
// bare hex digest of the body, or "ts=<unix>,v1=<hex>" where the digest
// covers "<ts>.<body>".
type Signature struct {
	Timestamp int64
	Digest    string
}

// ParseSignature splits a signature header.  ok is false when no digest
// is present.
func ParseSignature(header string) (sig Signature, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return sig, false
	}
	if !strings.Contains(header, "=") {
		return Signature{Digest: header}, true
	}
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "ts", "t":
			sig.Timestamp, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			sig.Digest = v
		}
	}
	return sig, sig.Digest != ""
}

// VerifySignature reports whether header is a valid HMAC-SHA256 of
// rawBody under the provider's secret.  A missing secret or header is a
// failed verification, never an error.
func (g *Guard) VerifySignature(rawBody []byte, header string, provider model.Provider) bool {
	secret := g.secrets[provider]
	if secret == "" {
		return false
	}
	sig, ok := ParseSignature(header)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig.Digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if sig.Timestamp != 0 {
		mac.Write([]byte(strconv.FormatInt(sig.Timestamp, 10) + "."))
	}
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// IsFreshTimestamp accepts timestamps not in the future and not older
// than the max age.
func (g *Guard) IsFreshTimestamp(epochSeconds int64) bool {
	now := g.now().Unix()
	if epochSeconds > now {
		return false
	}
	return now-epochSeconds <= int64(g.maxAge/time.Second)
}

// IsDuplicate reports whether requestID was already processed.
func (g *Guard) IsDuplicate(ctx context.Context, requestID string) bool {
	return g.dedup.IsDuplicate(ctx, requestID)
}

// MarkProcessed records requestID and reports whether this call was the
// first to do so.
func (g *Guard) MarkProcessed(ctx context.Context, requestID string) bool {
	return g.dedup.MarkProcessed(ctx, requestID)
}

// Forget releases requestID for reprocessing.
func (g *Guard) Forget(ctx context.Context, requestID string) {
	g.dedup.Forget(ctx, requestID)
}

// NotificationKey identifies a notification by its verified body, so a
// replay is caught whatever request id header it carries.
func NotificationKey(provider model.Provider, rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return string(provider) + ":" + hex.EncodeToString(sum[:])
}

// Sign computes the header value a provider would send; used by tests
// and local tooling.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	if ts != 0 {
		mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	}
	mac.Write(body)
	digest := hex.EncodeToString(mac.Sum(nil))
	if ts == 0 {
		return digest
	}
	return "ts=" + strconv.FormatInt(ts, 10) + ",v1=" + digest
}

// MemoryDedup is an in-process Dedup.  Entries older than the window are
// purged on every check, which bounds memory by the request rate.
type MemoryDedup struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedup returns an empty record with the given window.
func NewMemoryDedup(window time.Duration, now func() time.Time) *MemoryDedup {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedup{window: window, now: now, seen: make(map[string]time.Time)}
}

func (d *MemoryDedup) IsDuplicate(_ context.Context, requestID string) bool {
	if requestID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purge()
	_, ok := d.seen[requestID]
	return ok
}

func (d *MemoryDedup) MarkProcessed(_ context.Context, requestID string) bool {
	if requestID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purge()
	if _, ok := d.seen[requestID]; ok {
		return false
	}
	d.seen[requestID] = d.now()
	return true
}

func (d *MemoryDedup) Forget(_ context.Context, requestID string) {
	d.mu.Lock()
	delete(d.seen, requestID)
	d.mu.Unlock()
}

// purge drops entries older than the window.  Callers hold mu.
func (d *MemoryDedup) purge() {
	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, id)
		}
	}
}

// Len is the number of remembered ids.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
