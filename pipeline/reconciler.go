// Package pipeline turns client-reported payloads into canonical tracking
// events: checkpoint-delta reconciliation, clock-skew correction,
// deduplication-token derivation, geo/attribution enrichment, and handoff to
// the write-behind buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sitepulse/api/filters"
	"sitepulse/api/models"
	"sitepulse/api/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownAction rejects a payload carrying an unrecognized action tag.
// The whole payload fails; no partial action list is committed.
var ErrUnknownAction = errors.New("unknown action type")

// ErrMixedWorkspaces rejects a raw track batch spanning more than one
// workspace id.
var ErrMixedWorkspaces = errors.New("all events in a batch must share one workspace id")

// skewThreshold is how far the client clock must drift from the server
// before absolute timestamps are corrected. Smaller skew is normal network
// latency and is left alone.
const skewThreshold = 5000 * time.Millisecond

// ConfigSource supplies workspace configuration (the TTL cache in front of
// the directory).
type ConfigSource interface {
	Get(ctx context.Context, workspaceID string) (*models.WorkspaceConfig, error)
}

// GeoResolver enriches one payload's client IP into a location.
type GeoResolver interface {
	Resolve(ip string, settings models.GeoSettings) models.GeoLocation
}

// Enqueuer accepts reconciled event batches for write-behind persistence.
type Enqueuer interface {
	EnqueueBatch(events []models.TrackingEvent)
}

// RequestContext carries the per-request transport context resolved upstream
// of the pipeline. ClientIP is used once for geo enrichment and discarded.
type RequestContext struct {
	ClientIP string
	Origin   string
	Referer  string
}

// Reconciler converts session payloads and raw track batches into ordered
// canonical events.
type Reconciler struct {
	configs ConfigSource
	geo     GeoResolver
	engine  *filters.Engine
	buf     Enqueuer
	log     zerolog.Logger

	now func() time.Time
}

func NewReconciler(configs ConfigSource, geo GeoResolver, engine *filters.Engine, buf Enqueuer, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		configs: configs,
		geo:     geo,
		engine:  engine,
		buf:     buf,
		log:     log,
		now:     time.Now,
	}
}

// ProcessSessionPayload reconciles a checkpoint-delta payload. It returns the
// new checkpoint (the total action count processed, replays included).
// Domain-restricted payloads are silently dropped and still report success so
// callers cannot probe for an allow-list.
func (r *Reconciler) ProcessSessionPayload(ctx context.Context, payload *models.SessionPayload, req RequestContext) (int, error) {
	cfg, err := r.configs.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return 0, err
	}

	domain := utils.OriginDomain(req.Origin, req.Referer)
	if !utils.DomainAllowed(domain, cfg.AllowedDomains) {
		r.log.Debug().Str("workspace_id", payload.WorkspaceID).Msg("payload dropped by domain allow-list")
		return len(payload.Actions), nil
	}

	if len(payload.Actions) == 0 {
		return 0, nil
	}

	// One payload maps to one physical client, so geo resolves once here,
	// not per action.
	location := r.geo.Resolve(req.ClientIP, cfg.Geo)

	version := r.now().UnixMilli()
	skew := clockSkew(version, payload.SentAt)

	base := r.buildBaseEvent(payload, location, version, skew)

	events := make([]models.TrackingEvent, 0, len(payload.Actions))
	previousPath := ""

	for i, action := range payload.Actions {
		switch action.Type {
		case models.ActionPageview:
			pv := action.Pageview
			if i > payload.Checkpoint {
				ev := base
				ev.EventID = uuid.New().String()
				ev.Name = models.EventScreenView
				ev.Path = pv.Path
				ev.PreviousPath = previousPath
				// Page number, not list index, drives the token: duplicate
				// submissions of the same logical page collapse to one row.
				ev.DedupKey = fmt.Sprintf("%s_pv_%d", payload.SessionID, pv.PageNumber)
				ev.Duration = pv.Duration
				ev.PageDuration = pv.Duration
				ev.MaxScroll = pv.ScrollPercent
				ev.EnteredAt = correctTimestamp(pv.EnteredAt, skew)
				ev.ExitedAt = correctTimestamp(pv.ExitedAt, skew)
				events = append(events, ev)
			}
			// Every pageview, replayed or not, advances the chain so the
			// emitted tail gets the right previous_path.
			previousPath = pv.Path

		case models.ActionGoal:
			if i > payload.Checkpoint {
				goal := action.Goal
				ev := base
				ev.EventID = uuid.New().String()
				ev.Name = models.EventGoal
				ev.Path = previousPath
				ev.PreviousPath = previousPath
				// The token uses the original, pre-correction timestamp so a
				// retried payload derives the identical token even though
				// "now" at correction time differs run to run.
				ev.DedupKey = fmt.Sprintf("%s_goal_%s_%d", payload.SessionID, goal.Name, goal.Timestamp)
				ev.GoalName = goal.Name
				if goal.Value != nil {
					ev.GoalValue = *goal.Value
				}
				ev.GoalTimestamp = correctTimestamp(goal.Timestamp, skew)
				ev.Properties = goal.Properties
				events = append(events, ev)
			}

		default:
			return 0, fmt.Errorf("%w: %q at index %d", ErrUnknownAction, action.Type, i)
		}
	}

	r.applyFilters(cfg, events)
	r.buf.EnqueueBatch(events)

	return len(payload.Actions), nil
}

// ProcessRawEvents ingests a flat track batch. All records must share one
// workspace id.
func (r *Reconciler) ProcessRawEvents(ctx context.Context, raw []models.RawTrackEvent, req RequestContext) error {
	if len(raw) == 0 {
		return nil
	}

	workspaceID := raw[0].WorkspaceID
	for _, ev := range raw[1:] {
		if ev.WorkspaceID != workspaceID {
			return ErrMixedWorkspaces
		}
	}

	cfg, err := r.configs.Get(ctx, workspaceID)
	if err != nil {
		return err
	}

	domain := utils.OriginDomain(req.Origin, req.Referer)
	if !utils.DomainAllowed(domain, cfg.AllowedDomains) {
		r.log.Debug().Str("workspace_id", workspaceID).Msg("raw batch dropped by domain allow-list")
		return nil
	}

	location := r.geo.Resolve(req.ClientIP, cfg.Geo)
	version := r.now().UnixMilli()

	events := make([]models.TrackingEvent, 0, len(raw))
	for _, in := range raw {
		referrerDomain, referrerPath := splitURL(in.Referrer)
		isDirect := in.Referrer == ""
		channel, group := classifyChannel(in.UTMSource, in.UTMMedium, referrerDomain, isDirect)
		_, landingPath := splitURL(in.LandingPage)

		createdAt := in.CreatedAt
		if createdAt == 0 {
			createdAt = version
		}
		updatedAt := in.UpdatedAt
		if updatedAt == 0 {
			updatedAt = createdAt
		}

		ev := models.TrackingEvent{
			EventID:         uuid.New().String(),
			WorkspaceID:     in.WorkspaceID,
			SessionID:       in.SessionID,
			Timestamp:       version,
			CreatedAt:       createdAt,
			UpdatedAt:       updatedAt,
			Name:            in.Name,
			Path:            in.Path,
			Referrer:        in.Referrer,
			ReferrerDomain:  referrerDomain,
			ReferrerPath:    referrerPath,
			IsDirect:        isDirect,
			LandingPage:     in.LandingPage,
			LandingPagePath: landingPath,
			UTMSource:       in.UTMSource,
			UTMMedium:       in.UTMMedium,
			UTMCampaign:     in.UTMCampaign,
			UTMTerm:         in.UTMTerm,
			UTMContent:      in.UTMContent,
			Channel:         channel,
			ChannelGroup:    group,
			Device:          in.Device,
			Browser:         in.Browser,
			OS:              in.OS,
			Language:        in.Language,
			Country:         location.Country,
			Region:          location.Region,
			City:            location.City,
			Latitude:        location.Latitude,
			Longitude:       location.Longitude,
			DedupKey:        fmt.Sprintf("%s_%s_%d", in.SessionID, in.Name, in.CreatedAt),
			Properties:      in.Properties,
			Version:         version,
		}
		events = append(events, ev)
	}

	r.applyFilters(cfg, events)
	r.buf.EnqueueBatch(events)

	return nil
}

func (r *Reconciler) applyFilters(cfg *models.WorkspaceConfig, events []models.TrackingEvent) {
	rules := cfg.EnabledFilterRules()
	if len(rules) == 0 {
		return
	}
	for i := range events {
		res := r.engine.Evaluate(rules, &events[i])
		r.engine.Apply(&events[i], res)
	}
}

// buildBaseEvent derives the template shared by every event of one payload
// from the session attributes.
func (r *Reconciler) buildBaseEvent(payload *models.SessionPayload, location models.GeoLocation, version, skew int64) models.TrackingEvent {
	attrs := payload.Attributes

	referrerDomain, referrerPath := splitURL(attrs.Referrer)
	isDirect := attrs.Referrer == ""
	if attrs.IsDirect != nil {
		isDirect = *attrs.IsDirect
	}

	channel, group := classifyChannel(attrs.UTMSource, attrs.UTMMedium, referrerDomain, isDirect)
	_, landingPath := splitURL(attrs.LandingPage)

	createdAt := correctTimestamp(payload.CreatedAt, skew)
	if createdAt == 0 {
		createdAt = version
	}
	updatedAt := correctTimestamp(payload.UpdatedAt, skew)
	if updatedAt == 0 {
		updatedAt = createdAt
	}

	return models.TrackingEvent{
		WorkspaceID:     payload.WorkspaceID,
		SessionID:       payload.SessionID,
		Timestamp:       version,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		Referrer:        attrs.Referrer,
		ReferrerDomain:  referrerDomain,
		ReferrerPath:    referrerPath,
		IsDirect:        isDirect,
		LandingPage:     attrs.LandingPage,
		LandingPagePath: landingPath,
		UTMSource:       attrs.UTMSource,
		UTMMedium:       attrs.UTMMedium,
		UTMCampaign:     attrs.UTMCampaign,
		UTMTerm:         attrs.UTMTerm,
		UTMContent:      attrs.UTMContent,
		Channel:         channel,
		ChannelGroup:    group,
		Device:          attrs.Device,
		Browser:         attrs.Browser,
		OS:              attrs.OS,
		Language:        attrs.Language,
		ViewportWidth:   attrs.ViewportWidth,
		ViewportHeight:  attrs.ViewportHeight,
		Country:         location.Country,
		Region:          location.Region,
		City:            location.City,
		Latitude:        location.Latitude,
		Longitude:       location.Longitude,
		Version:         version,
	}
}

// clockSkew returns the correction (ms) to add to client-reported absolute
// timestamps. Zero when the payload carries no sent_at (legacy SDK) or when
// drift is inside the threshold.
func clockSkew(serverNow, sentAt int64) int64 {
	if sentAt == 0 {
		return 0
	}
	skew := serverNow - sentAt
	if skew >= -skewThreshold.Milliseconds() && skew <= skewThreshold.Milliseconds() {
		return 0
	}
	return skew
}

// correctTimestamp shifts one absolute client timestamp by the skew. Zero
// values mean "not reported" and stay zero. Relative durations are never
// passed through here.
func correctTimestamp(ts, skew int64) int64 {
	if ts == 0 {
		return 0
	}
	return ts + skew
}

// splitURL parses a URL into lowercase host and path. Unparsable or empty
// input yields empty strings.
func splitURL(raw string) (domain, path string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	path = u.Path
	if path == "" && u.Host != "" {
		path = "/"
	}
	return strings.ToLower(u.Hostname()), path
}
