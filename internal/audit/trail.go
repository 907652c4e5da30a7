package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"corpusguard.org/internal/ids"
	"corpusguard.org/internal/obs"
)

const (
	maxAgentLen       = 500
	maxDescriptionLen = 1000
)

// Mirror receives sealed entries after they are persisted. Failures are
// logged by the trail and never reported to the recorder.
type Mirror interface {
	Publish(ctx context.Context, e Entry) error
}

// Trail is the only writer of audit entries.
type Trail struct {
	store   Store
	sealer  Sealer
	clock   func() time.Time
	retries int
	backoff time.Duration
	timeout time.Duration
	feed    *Feed
	mirror  Mirror
}

// Option configures a Trail.
type Option func(*Trail)

func WithClock(clock func() time.Time) Option {
	return func(t *Trail) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithSealer(s Sealer) Option {
	return func(t *Trail) { t.sealer = s }
}

// WithRetry sets the number of append attempts and the initial backoff,
// doubled after every failed attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(t *Trail) {
		if attempts > 0 {
			t.retries = attempts
		}
		if backoff >= 0 {
			t.backoff = backoff
		}
	}
}

// WithTimeout bounds each append attempt.
func WithTimeout(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithFeed(f *Feed) Option {
	return func(t *Trail) { t.feed = f }
}

func WithMirror(m Mirror) Option {
	return func(t *Trail) { t.mirror = m }
}

func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:   store,
		clock:   time.Now,
		retries: 3,
		backoff: 50 * time.Millisecond,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record seals and persists e. ID and OccurredAt are always assigned here,
// overriding anything the caller set. When every attempt fails the entry is
// written to the fallback sink and the error is returned.
func (t *Trail) Record(ctx context.Context, e Entry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, e.Action)
	}
	now := t.clock().UTC().Truncate(time.Microsecond)
	e.ID = ids.NewAt(now)
	e.OccurredAt = now
	e.Seq = 0
	e.ResourceType = strings.TrimSpace(cleanString(e.ResourceType))
	e.ResourceID = strings.TrimSpace(cleanString(e.ResourceID))
	e.Description = truncate(cleanString(e.Description), maxDescriptionLen)
	e.OriginAddress = cleanString(e.OriginAddress)
	e.OriginAgent = truncate(cleanString(e.OriginAgent), maxAgentLen)
	payload, err := normalizePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidEntry, err)
	}
	e.Payload = payload
	if rid := requestIDFromContext(ctx); rid != "" {
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		if _, ok := e.Payload["request_id"]; !ok {
			e.Payload["request_id"] = rid
		}
	}
	if e.Actor != nil {
		actor := Actor{
			ID:       cleanString(e.Actor.ID),
			Username: cleanString(e.Actor.Username),
			Role:     cleanString(e.Actor.Role),
		}
		e.Actor = &actor
	}
	seal, err := t.sealer.Seal(e)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrInvalidEntry, err)
	}
	e.Seal = seal

	stored, err := t.append(ctx, e)
	if err != nil {
		obs.RecordAuditFailure()
		obs.LogFallback("audit_fallback", map[string]any{
			"type":  "audit",
			"entry": e,
			"error": err.Error(),
		})
		return fmt.Errorf("audit: record %s: %w", e.Action, err)
	}

	obs.RecordAudit(string(stored.Action))
	if t.feed != nil {
		t.feed.Publish(stored)
	}
	if t.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		if err := t.mirror.Publish(mctx, stored); err != nil {
			obs.LogEvent("warn", "audit_mirror_failed", map[string]any{
				"entry_id": stored.ID,
				"error":    err.Error(),
			})
		}
		cancel()
	}
	return nil
}

func (t *Trail) append(ctx context.Context, e Entry) (Entry, error) {
	var lastErr error
	wait := t.backoff
	for attempt := 1; attempt <= t.retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, t.timeout)
		stored, err := t.store.Append(actx, e)
		cancel()
		if err == nil {
			return stored, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt == t.retries {
			break
		}
		select {
		case <-ctx.Done():
			return Entry{}, errors.Join(lastErr, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	if retryable(lastErr) && !errors.Is(lastErr, ErrStorageUnavailable) {
		lastErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
	}
	return Entry{}, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Query returns entries matching f, newest first unless f.Ascending is set.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	entries, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// VerifyReport summarises a seal check.
type VerifyReport struct {
	Checked  int      `json:"checked"`
	Tampered []string `json:"tampered"`
	// Gaps lists missing sequence numbers. Only computed for unfiltered
	// ranges; aborted inserts also leave gaps, so they need review rather
	// than proving deletion.
	Gaps  []int64 `json:"gaps"`
	Keyed bool    `json:"keyed"`
}

// OK reports whether no tampering was detected.
func (r VerifyReport) OK() bool { return len(r.Tampered) == 0 }

// Verify recomputes seals for the entries selected by f.
func (t *Trail) Verify(ctx context.Context, f Filter) (VerifyReport, error) {
	f.Ascending = true
	entries, err := t.Query(ctx, f)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{
		Checked:  len(entries),
		Tampered: []string{},
		Gaps:     []int64{},
		Keyed:    t.sealer.Keyed(),
	}
	seqs := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !t.sealer.Check(e) {
			report.Tampered = append(report.Tampered, e.ID)
		}
		seqs = append(seqs, e.Seq)
	}
	unfiltered := f.ActorID == "" && f.Action == "" && f.ResourceType == "" && f.ResourceID == ""
	if unfiltered && len(seqs) > 1 {
		// time order and sequence order can differ under concurrent appends
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i := 1; i < len(seqs); i++ {
			for missing := seqs[i-1] + 1; missing < seqs[i]; missing++ {
				report.Gaps = append(report.Gaps, missing)
			}
		}
	}
	return report, nil
}

// normalizePayload converts p to the form it takes after a JSON round trip,
// so the seal covers exactly what the store hands back.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return cleanValue(out).(map[string]any), nil
}

// cleanString makes s storable as Postgres text and jsonb: invalid UTF-8
// becomes U+FFFD and NUL bytes are dropped.
func cleanString(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// cleanValue applies cleanString to every key and string in a decoded JSON
// value.
func cleanValue(v any) any {
	switch x := v.(type) {
	case string:
		return cleanString(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[cleanString(k)] = cleanValue(val)
		}
		return out
	case []any:
		for i := range x {
			x[i] = cleanValue(x[i])
		}
		return x
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// keep valid UTF-8 by cutting on a rune boundary
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
