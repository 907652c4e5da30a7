package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"corpusguard.org/internal/obs"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type flakyStore struct {
	*MemoryStore
	failures int32
	calls    int32
	err      error
}

func (s *flakyStore) Append(ctx context.Context, e Entry) (Entry, error) {
	atomic.AddInt32(&s.calls, 1)
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return Entry{}, s.err
	}
	return s.MemoryStore.Append(ctx, e)
}

type recordingMirror struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *recordingMirror) Publish(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func TestRecordAssignsIdentityAndTime(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)}
	store := NewMemoryStore()
	trail := NewTrail(store, WithClock(clock.Now), WithSealer(NewSealer([]byte("0123456789abcdef"))))

	callerTime := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	err := trail.Record(context.Background(), Entry{
		ID:           "caller-chosen",
		OccurredAt:   callerTime,
		Actor:        &Actor{ID: "u1", Username: "ana", Role: "editor"},
		Action:       ActionUpdate,
		ResourceType: "Document",
		ResourceID:   "d1",
		Payload:      map[string]any{"field": "title"},
	})
	require.NoError(t, err)

	entries, err := trail.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	require.NotEqual(t, "caller-chosen", got.ID)
	require.True(t, got.OccurredAt.Equal(clock.Now().Truncate(time.Microsecond)))
	require.Equal(t, int64(1), got.Seq)
	require.True(t, strings.HasPrefix(got.Seal, "hmac-sha256:"))
	require.True(t, NewSealer([]byte("0123456789abcdef")).Check(got))
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	trail := NewTrail(NewMemoryStore())
	err := trail.Record(context.Background(), Entry{Action: "PURGE"})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestConcurrentRecordsAreAllPersisted(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- trail.Record(context.Background(), Entry{Action: ActionView, ResourceType: "Document", ResourceID: "d1"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, n, store.Len())

	entries, err := trail.Query(context.Background(), Filter{Limit: MaxLimit})
	require.NoError(t, err)
	seen := make(map[string]struct{}, n)
	for _, e := range entries {
		seen[e.ID] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestQueryOrdersNewestFirstAndFilters(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	trail := NewTrail(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	alice := &Actor{ID: "alice"}
	bob := &Actor{ID: "bob"}
	for i, tc := range []struct {
		actor  *Actor
		action Action
		id     string
	}{
		{alice, ActionLogin, ""},
		{alice, ActionView, "d1"},
		{bob, ActionView, "d2"},
		{alice, ActionDelete, "d1"},
		{nil, ActionLogin, ""},
	} {
		require.NoError(t, trail.Record(ctx, Entry{
			Actor: tc.actor, Action: tc.action, ResourceType: "Document", ResourceID: tc.id,
			Description: string(rune('a' + i)),
		}))
		clock.Advance(time.Minute)
	}

	all, err := trail.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].OccurredAt.After(all[i].OccurredAt))
	}

	byActor, err := trail.Query(ctx, Filter{ActorID: "alice"})
	require.NoError(t, err)
	require.Len(t, byActor, 3)

	views, err := trail.Query(ctx, Filter{Action: ActionView})
	require.NoError(t, err)
	require.Len(t, views, 2)

	onDoc, err := trail.Query(ctx, Filter{ResourceType: "Document", ResourceID: "d1", Ascending: true})
	require.NoError(t, err)
	require.Len(t, onDoc, 2)
	require.Equal(t, ActionView, onDoc[0].Action)

	start := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	window, err := trail.Query(ctx, Filter{Since: start, Until: start.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 2)

	page, err := trail.Query(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].Description)

	_, err = trail.Query(ctx, Filter{Limit: MaxLimit + 1})
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestRecordRetriesThenSurfacesStorageFailure(t *testing.T) {
	fb := obs.FallbackLogger()
	orig := fb.Writer()
	var buf bytes.Buffer
	fb.SetOutput(&buf)
	defer fb.SetOutput(orig)

	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: ErrStorageUnavailable}
	trail := NewTrail(store, WithRetry(3, time.Millisecond))

	err := trail.Record(context.Background(), Entry{Action: ActionDelete, ResourceType: "Document", ResourceID: "d9"})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
	require.Equal(t, 0, store.Len())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "audit_fallback", line["msg"])
	entry, ok := line["entry"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "DELETE", entry["action"])
	require.Equal(t, "d9", entry["resource_id"])
}

func TestRecordRecoversAfterTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, err: ErrStorageUnavailable}
	trail := NewTrail(store, WithRetry(3, time.Millisecond))

	require.NoError(t, trail.Record(context.Background(), Entry{Action: ActionView}))
	require.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
	require.Equal(t, 1, store.Len())
}

func TestRecordDoesNotRetryPermanentErrors(t *testing.T) {
	fb := obs.FallbackLogger()
	orig := fb.Writer()
	fb.SetOutput(&bytes.Buffer{})
	defer fb.SetOutput(orig)

	permanent := errors.New("check constraint violated")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: permanent}
	trail := NewTrail(store, WithRetry(5, time.Millisecond))

	err := trail.Record(context.Background(), Entry{Action: ActionView})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, int32(1), atomic.LoadInt32(&store.calls))
}

func TestVerifyDetectsModifiedPayload(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, WithSealer(NewSealer([]byte("0123456789abcdef"))))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, trail.Record(ctx, Entry{Action: ActionApprove, ResourceType: "Document", ResourceID: "d1",
			Payload: map[string]any{"n": i}}))
	}

	report, err := trail.Verify(ctx, Filter{})
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, 3, report.Checked)
	require.Empty(t, report.Gaps)

	store.mu.Lock()
	store.entries[1].Payload = map[string]any{"n": 42}
	tamperedID := store.entries[1].ID
	store.entries[2].Seq = 5
	store.mu.Unlock()

	report, err = trail.Verify(ctx, Filter{})
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, []string{tamperedID}, report.Tampered)
	require.Equal(t, []int64{3, 4}, report.Gaps)
}

func TestRecordStoresOnlyValidText(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, WithSealer(NewSealer([]byte("0123456789abcdef"))))
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Entry{
		Action:        ActionLogin,
		ResourceType:  "Principal",
		ResourceID:    "ali\x00ce",
		Description:   "login \xc3",
		OriginAddress: "198.51.100.4\x00",
		OriginAgent:   "bad\xff\x00agent",
		Actor:         &Actor{ID: "u\x001", Username: "\xfe\xfe"},
		Payload: map[string]any{
			"user\x00name": "x\x00y",
			"nested":       map[string]any{"list": []any{"ok", "a\xffb\x00"}},
		},
	}))

	got, err := trail.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `\u0000`)
	for _, field := range []string{e.ResourceID, e.Description, e.OriginAddress, e.OriginAgent, e.Actor.ID, e.Actor.Username} {
		require.True(t, utf8.ValidString(field), "%q", field)
		require.NotContains(t, field, "\x00")
	}
	require.Equal(t, "alice", e.ResourceID)
	require.Equal(t, "bad\uFFFDagent", e.OriginAgent)
	require.Equal(t, "xy", e.Payload["username"])
	nested := e.Payload["nested"].(map[string]any)["list"].([]any)
	require.Equal(t, "a\uFFFDb", nested[1])

	report, err := trail.Verify(ctx, Filter{})
	require.NoError(t, err)
	require.True(t, report.OK())
}

func TestRecordPublishesToFeedAndMirror(t *testing.T) {
	feed := NewFeed()
	mirror := &recordingMirror{err: errors.New("broker down")}
	trail := NewTrail(NewMemoryStore(), WithFeed(feed), WithMirror(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := feed.Subscribe(ctx)

	rctx := WithRequestID(context.Background(), "req-7")
	require.NoError(t, trail.Record(rctx, Entry{Action: ActionUpload, ResourceType: "Document", ResourceID: "d3"}))

	select {
	case e := <-ch:
		require.Equal(t, ActionUpload, e.Action)
		require.Equal(t, "req-7", e.Payload["request_id"])
	case <-time.After(time.Second):
		t.Fatal("expected feed event")
	}
	mirror.mu.Lock()
	require.Len(t, mirror.entries, 1)
	mirror.mu.Unlock()
}

func TestFeedUnsubscribesOnCancel(t *testing.T) {
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	ch := feed.Subscribe(ctx)
	require.Equal(t, 1, feed.Subscribers())
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Equal(t, 0, feed.Subscribers())
}

func TestRoutingKey(t *testing.T) {
	require.Equal(t, "audit.login", RoutingKey(ActionLogin))
	require.Equal(t, "audit.download", RoutingKey(ActionDownload))
}

func TestUnkeyedSealStillDetectsEdits(t *testing.T) {
	s := NewSealer(nil)
	e := Entry{ID: "x", Action: ActionView, OccurredAt: time.Unix(0, 0)}
	seal, err := s.Seal(e)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(seal, "sha256:"))
	e.Seal = seal
	require.True(t, s.Check(e))
	e.ResourceID = "other"
	require.False(t, s.Check(e))
}

func TestSealSurvivesStorageRoundTrip(t *testing.T) {
	type bits struct {
		View   bool `json:"can_view"`
		Edit   bool `json:"can_edit"`
		Delete bool `json:"can_delete"`
	}
	store := NewMemoryStore()
	sealer := NewSealer([]byte("0123456789abcdef"))
	trail := NewTrail(store, WithSealer(sealer))
	require.NoError(t, trail.Record(context.Background(), Entry{
		Action:  ActionUpdate,
		Payload: map[string]any{"permissions": bits{View: true}, "status": 200},
	}))

	entries, err := trail.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// what a JSONB column hands back
	raw, err := json.Marshal(entries[0].Payload)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	stored := entries[0]
	stored.Payload = decoded
	require.True(t, sealer.Check(stored))
	require.Equal(t, float64(200), stored.Payload["status"])
}
