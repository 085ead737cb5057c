package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sitepulse/api/filters"
	"sitepulse/api/models"
	"sitepulse/api/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigs struct {
	configs map[string]*models.WorkspaceConfig
}

func (f *fakeConfigs) Get(_ context.Context, workspaceID string) (*models.WorkspaceConfig, error) {
	cfg, ok := f.configs[workspaceID]
	if !ok {
		return nil, store.ErrWorkspaceNotFound
	}
	return cfg, nil
}

type fakeGeo struct {
	lookups  int
	location models.GeoLocation
}

func (f *fakeGeo) Resolve(string, models.GeoSettings) models.GeoLocation {
	f.lookups++
	return f.location
}

type captureBuffer struct {
	batches [][]models.TrackingEvent
}

func (c *captureBuffer) EnqueueBatch(events []models.TrackingEvent) {
	c.batches = append(c.batches, events)
}

func (c *captureBuffer) all() []models.TrackingEvent {
	var out []models.TrackingEvent
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

type fixture struct {
	reconciler *Reconciler
	configs    *fakeConfigs
	geo        *fakeGeo
	buf        *captureBuffer
	serverNow  time.Time
}

func newFixture(cfg *models.WorkspaceConfig) *fixture {
	f := &fixture{
		configs:   &fakeConfigs{configs: map[string]*models.WorkspaceConfig{}},
		geo:       &fakeGeo{},
		buf:       &captureBuffer{},
		serverNow: time.UnixMilli(1_700_000_000_000),
	}
	if cfg != nil {
		f.configs.configs[cfg.WorkspaceID] = cfg
	}
	f.reconciler = NewReconciler(f.configs, f.geo, filters.NewEngine(zerolog.Nop()), f.buf, zerolog.Nop())
	f.reconciler.now = func() time.Time { return f.serverNow }
	return f
}

func basicConfig(id string) *models.WorkspaceConfig {
	return &models.WorkspaceConfig{WorkspaceID: id, Geo: models.GeoSettings{Enabled: true}}
}

func pv(path string, pageNumber int) models.Action {
	return models.Action{Type: models.ActionPageview, Pageview: &models.PageviewAction{
		Path:       path,
		PageNumber: pageNumber,
	}}
}

func goal(name string, ts int64) models.Action {
	return models.Action{Type: models.ActionGoal, Goal: &models.GoalAction{Name: name, Timestamp: ts}}
}

func payload(actions ...models.Action) *models.SessionPayload {
	return &models.SessionPayload{
		WorkspaceID: "ws-1",
		SessionID:   "sess-1",
		Actions:     actions,
		Checkpoint:  -1,
	}
}

func TestProcessSessionPayload_UnknownWorkspace(t *testing.T) {
	f := newFixture(nil)

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)), RequestContext{})
	assert.ErrorIs(t, err, store.ErrWorkspaceNotFound)
	assert.Empty(t, f.buf.batches)
}

func TestProcessSessionPayload_EmptyActions(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	checkpoint, err := f.reconciler.ProcessSessionPayload(context.Background(), payload(), RequestContext{ClientIP: "8.8.8.8"})
	require.NoError(t, err)

	assert.Equal(t, 0, checkpoint)
	assert.Zero(t, f.geo.lookups, "empty payload must not trigger a geo lookup")
	assert.Empty(t, f.buf.batches, "empty payload must not enqueue")
}

func TestProcessSessionPayload_EmitsEvents(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 1), pv("/b", 2))
	checkpoint, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{ClientIP: "8.8.8.8"})
	require.NoError(t, err)

	assert.Equal(t, 2, checkpoint)
	events := f.buf.all()
	require.Len(t, events, 2)

	assert.Equal(t, models.EventScreenView, events[0].Name)
	assert.Equal(t, "/a", events[0].Path)
	assert.Empty(t, events[0].PreviousPath)
	assert.Equal(t, "/b", events[1].Path)
	assert.Equal(t, "/a", events[1].PreviousPath)

	assert.Equal(t, 1, f.geo.lookups, "geo resolves once per payload, not per action")
	assert.Equal(t, events[0].Version, events[1].Version, "one payload shares a single version")
	assert.NotEmpty(t, events[0].EventID)
	assert.NotEqual(t, events[0].EventID, events[1].EventID)
}

func TestProcessSessionPayload_CheckpointSkipsReplayedActions(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 1), pv("/b", 2), pv("/c", 3))
	p.Checkpoint = 1

	checkpoint, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, checkpoint)

	events := f.buf.all()
	require.Len(t, events, 1, "only the action past the checkpoint is emitted")
	assert.Equal(t, "/c", events[0].Path)
	assert.Equal(t, "/b", events[0].PreviousPath, "the chain is rebuilt from replayed actions")
}

func TestProcessSessionPayload_CheckpointBeyondActions(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 1), pv("/b", 2))
	p.Checkpoint = 5

	checkpoint, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoint)
	assert.Empty(t, f.buf.all())
}

func TestProcessSessionPayload_DedupTokens(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 7), goal("signup", 1_700_000_000_123))
	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	events := f.buf.all()
	require.Len(t, events, 2)
	assert.Equal(t, "sess-1_pv_7", events[0].DedupKey)
	assert.Equal(t, "sess-1_goal_signup_1700000000123", events[1].DedupKey)

	// Replaying the identical payload yields identical tokens.
	f2 := newFixture(basicConfig("ws-1"))
	f2.serverNow = f2.serverNow.Add(42 * time.Second)
	_, err = f2.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	replayed := f2.buf.all()
	require.Len(t, replayed, 2)
	assert.Equal(t, events[0].DedupKey, replayed[0].DedupKey)
	assert.Equal(t, events[1].DedupKey, replayed[1].DedupKey)
}

func TestProcessSessionPayload_GoalDedupUsesOriginalTimestamp(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	const goalTS = 1_700_000_010_000
	p := payload(goal("purchase", goalTS))
	// Client clock an hour ahead: correction applies.
	p.SentAt = f.serverNow.UnixMilli() + 3_600_000

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	events := f.buf.all()
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf("sess-1_goal_purchase_%d", goalTS), events[0].DedupKey)
	assert.Equal(t, int64(goalTS)-3_600_000, events[0].GoalTimestamp, "stored timestamp is corrected")
}

func TestProcessSessionPayload_ClockSkewCorrection(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))
	serverNow := f.serverNow.UnixMilli()

	enteredAt := serverNow + 3_600_000 - 10_000
	exitedAt := serverNow + 3_600_000 - 2_000

	p := payload(models.Action{Type: models.ActionPageview, Pageview: &models.PageviewAction{
		Path:       "/a",
		PageNumber: 1,
		Duration:   8_000,
		EnteredAt:  enteredAt,
		ExitedAt:   exitedAt,
	}})
	p.SentAt = serverNow + 3_600_000
	p.CreatedAt = serverNow + 3_600_000 - 15_000

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	events := f.buf.all()
	require.Len(t, events, 1)
	ev := events[0]

	skew := serverNow - p.SentAt
	assert.Equal(t, enteredAt+skew, ev.EnteredAt)
	assert.Equal(t, exitedAt+skew, ev.ExitedAt)
	assert.Equal(t, p.CreatedAt+skew, ev.CreatedAt)
	assert.InDelta(t, serverNow, ev.EnteredAt, 15_000, "corrected timestamps land near server time")

	assert.Equal(t, int64(8_000), ev.Duration, "relative durations are never corrected")
	assert.Equal(t, int64(8_000), ev.PageDuration)
}

func TestProcessSessionPayload_SmallSkewUncorrected(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))
	serverNow := f.serverNow.UnixMilli()

	enteredAt := serverNow - 1_000
	p := payload(models.Action{Type: models.ActionPageview, Pageview: &models.PageviewAction{
		Path: "/a", PageNumber: 1, EnteredAt: enteredAt,
	}})
	p.SentAt = serverNow - 3_000 // inside the 5s threshold

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	events := f.buf.all()
	require.Len(t, events, 1)
	assert.Equal(t, enteredAt, events[0].EnteredAt, "skew inside the threshold is left alone")
}

func TestProcessSessionPayload_LegacyClientNoSentAt(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	enteredAt := int64(1_600_000_000_000) // far from server time
	p := payload(models.Action{Type: models.ActionPageview, Pageview: &models.PageviewAction{
		Path: "/a", PageNumber: 1, EnteredAt: enteredAt,
	}})
	p.SentAt = 0

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, enteredAt, f.buf.all()[0].EnteredAt, "no sent_at means no correction")
}

func TestProcessSessionPayload_UnknownActionIsFatal(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 1), models.Action{Type: "heartbeat"}, pv("/b", 2))
	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})

	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Empty(t, f.buf.batches, "no partial processing of a mixed-validity payload")
}

func TestProcessSessionPayload_DomainAllowList(t *testing.T) {
	cfg := basicConfig("ws-1")
	cfg.AllowedDomains = []string{"*.example.com"}
	f := newFixture(cfg)

	// Allowed origin gets processed.
	checkpoint, err := f.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)),
		RequestContext{Origin: "https://app.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint)
	assert.Len(t, f.buf.all(), 1)

	// Disallowed origin is silently dropped but still succeeds.
	f2 := newFixture(cfg)
	checkpoint, err = f2.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)),
		RequestContext{Origin: "https://evil.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint)
	assert.Empty(t, f2.buf.all())
	assert.Zero(t, f2.geo.lookups)

	// No origin at all with a configured list also drops.
	f3 := newFixture(cfg)
	_, err = f3.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)), RequestContext{})
	require.NoError(t, err)
	assert.Empty(t, f3.buf.all())

	// Referer serves as fallback when Origin is absent.
	f4 := newFixture(cfg)
	_, err = f4.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)),
		RequestContext{Referer: "https://deep.sub.example.com/page"})
	require.NoError(t, err)
	assert.Len(t, f4.buf.all(), 1)
}

func TestProcessSessionPayload_AttributesAndTrafficSource(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/landing", 1))
	p.Attributes = models.SessionAttributes{
		LandingPage: "https://shop.example.com/landing?q=1",
		Referrer:    "https://www.google.com/search",
		UTMSource:   "google",
		UTMMedium:   "cpc",
		Device:      "desktop",
		Browser:     "Chrome",
		OS:          "macOS",
	}

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	ev := f.buf.all()[0]
	assert.Equal(t, "www.google.com", ev.ReferrerDomain)
	assert.Equal(t, "/search", ev.ReferrerPath)
	assert.False(t, ev.IsDirect)
	assert.Equal(t, "/landing", ev.LandingPagePath)
	assert.Equal(t, "paid_search", ev.Channel)
	assert.Equal(t, "paid", ev.ChannelGroup)
	assert.Equal(t, "Chrome", ev.Browser)
}

func TestProcessSessionPayload_DirectTraffic(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	p := payload(pv("/a", 1))
	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	ev := f.buf.all()[0]
	assert.True(t, ev.IsDirect, "no referrer defaults to direct")
	assert.Equal(t, "direct", ev.Channel)
	assert.Equal(t, "direct", ev.ChannelGroup)

	// An explicit is_direct override wins over the referrer heuristic.
	f2 := newFixture(basicConfig("ws-1"))
	p2 := payload(pv("/a", 1))
	notDirect := false
	p2.Attributes.IsDirect = &notDirect
	_, err = f2.reconciler.ProcessSessionPayload(context.Background(), p2, RequestContext{})
	require.NoError(t, err)
	assert.False(t, f2.buf.all()[0].IsDirect)
}

func TestProcessSessionPayload_GeoEnrichment(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))
	lat, lon := 48.86, 2.35
	f.geo.location = models.GeoLocation{Country: "FR", City: "Paris", Latitude: &lat, Longitude: &lon}

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), payload(pv("/a", 1)),
		RequestContext{ClientIP: "93.184.216.34"})
	require.NoError(t, err)

	ev := f.buf.all()[0]
	assert.Equal(t, "FR", ev.Country)
	assert.Equal(t, "Paris", ev.City)
	require.NotNil(t, ev.Latitude)
	assert.Equal(t, lat, *ev.Latitude)
}

func TestProcessSessionPayload_FiltersApplied(t *testing.T) {
	cfg := basicConfig("ws-1")
	cfg.FilterRules = []models.FilterRule{{
		ID: "r1", Priority: 1, Enabled: true,
		Conditions: []models.FilterCondition{{Field: "utm_source", Operator: models.OpEquals, Value: "google"}},
		Operations: []models.FilterOperation{
			{Kind: models.FilterOpCustomDimension, Target: "stm_1", Value: "paid"},
			{Kind: models.FilterOpOverride, Target: "is_direct", Value: "true"},
		},
	}}
	f := newFixture(cfg)

	p := payload(pv("/a", 1))
	p.Attributes.UTMSource = "google"
	p.Attributes.Referrer = "https://google.com"

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), p, RequestContext{})
	require.NoError(t, err)

	ev := f.buf.all()[0]
	assert.Equal(t, "paid", ev.STM1)
	assert.True(t, ev.IsDirect, "is_direct override travels as a string literal")
}

func TestProcessSessionPayload_GoalValueDefaultsToZero(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	_, err := f.reconciler.ProcessSessionPayload(context.Background(), payload(goal("signup", 123)), RequestContext{})
	require.NoError(t, err)

	ev := f.buf.all()[0]
	assert.Equal(t, models.EventGoal, ev.Name)
	assert.Equal(t, "signup", ev.GoalName)
	assert.Zero(t, ev.GoalValue)
}

func TestProcessRawEvents_MixedWorkspacesRejected(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))

	err := f.reconciler.ProcessRawEvents(context.Background(), []models.RawTrackEvent{
		{WorkspaceID: "ws-1", SessionID: "s", Name: "click"},
		{WorkspaceID: "ws-2", SessionID: "s", Name: "click"},
	}, RequestContext{})

	assert.ErrorIs(t, err, ErrMixedWorkspaces)
	assert.Empty(t, f.buf.batches)
}

func TestProcessRawEvents_EnrichesAndEnqueues(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))
	f.geo.location = models.GeoLocation{Country: "DE"}

	err := f.reconciler.ProcessRawEvents(context.Background(), []models.RawTrackEvent{
		{WorkspaceID: "ws-1", SessionID: "sess-9", Name: "click", Path: "/cta", CreatedAt: 1_699_000_000_000},
	}, RequestContext{ClientIP: "93.184.216.34"})
	require.NoError(t, err)

	events := f.buf.all()
	require.Len(t, events, 1)
	assert.Equal(t, "click", events[0].Name)
	assert.Equal(t, "DE", events[0].Country)
	assert.Equal(t, "sess-9_click_1699000000000", events[0].DedupKey)
	assert.Equal(t, f.serverNow.UnixMilli(), events[0].Version)
	assert.True(t, events[0].IsDirect)
}

func TestProcessRawEvents_EmptyBatch(t *testing.T) {
	f := newFixture(basicConfig("ws-1"))
	require.NoError(t, f.reconciler.ProcessRawEvents(context.Background(), nil, RequestContext{}))
	assert.Empty(t, f.buf.batches)
}
