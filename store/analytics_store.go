package store

import (
	"context"
	"fmt"
	"time"

	"sitepulse/api/database"
	"sitepulse/api/models"

	"github.com/rs/zerolog"
)

// AnalyticsStore writes canonical tracking events to ClickHouse in
// tenant-scoped batches. The table is a ReplacingMergeTree keyed by
// (workspace_id, dedup_key) with version as the replacement column, so
// replayed or multiply-flushed rows collapse last-write-wins.
type AnalyticsStore struct {
	DB  *database.ClickHouseClient
	log zerolog.Logger
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, log zerolog.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:  chClient,
		log: log,
	}
}

// InsertTrackingEvents appends one batch of events for a single workspace.
// Order within the batch is preserved.
func (s *AnalyticsStore) InsertTrackingEvents(ctx context.Context, workspaceID string, events []models.TrackingEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Column order must match the tracking_events table schema.
	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO tracking_events (
			event_id, workspace_id, session_id, timestamp, created_at, updated_at,
			name, path, previous_path,
			referrer, referrer_domain, referrer_path, is_direct,
			landing_page, landing_page_path,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			channel, channel_group,
			stm_1, stm_2, stm_3, stm_4, stm_5, stm_6, stm_7, stm_8, stm_9, stm_10,
			device, browser, os, language, viewport_width, viewport_height,
			duration, page_duration, max_scroll, entered_at, exited_at,
			country, region, city, latitude, longitude,
			dedup_key, goal_name, goal_value, goal_timestamp, properties, version
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID,
			e.WorkspaceID,
			e.SessionID,
			time.UnixMilli(e.Timestamp).UTC(),
			time.UnixMilli(e.CreatedAt).UTC(),
			time.UnixMilli(e.UpdatedAt).UTC(),
			e.Name,
			e.Path,
			e.PreviousPath,
			e.Referrer,
			e.ReferrerDomain,
			e.ReferrerPath,
			e.IsDirect,
			e.LandingPage,
			e.LandingPagePath,
			e.UTMSource,
			e.UTMMedium,
			e.UTMCampaign,
			e.UTMTerm,
			e.UTMContent,
			e.Channel,
			e.ChannelGroup,
			e.STM1, e.STM2, e.STM3, e.STM4, e.STM5,
			e.STM6, e.STM7, e.STM8, e.STM9, e.STM10,
			e.Device,
			e.Browser,
			e.OS,
			e.Language,
			e.ViewportWidth,
			e.ViewportHeight,
			e.Duration,
			e.PageDuration,
			e.MaxScroll,
			e.EnteredAt,
			e.ExitedAt,
			e.Country,
			e.Region,
			e.City,
			e.Latitude,
			e.Longitude,
			e.DedupKey,
			e.GoalName,
			e.GoalValue,
			e.GoalTimestamp,
			string(e.Properties),
			e.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to append event %s to batch: %w", e.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.log.Debug().
		Str("workspace_id", workspaceID).
		Int("events", len(events)).
		Msg("inserted tracking event batch")
	return nil
}
