package models

import (
	"encoding/json"
)

// Event names assigned by the reconciler.
const (
	EventScreenView = "screen_view"
	EventGoal       = "goal"
)

// TrackingEvent is the canonical event record persisted to the columnar
// store, one row per finalized client action. All timestamps are epoch
// milliseconds as reported by the browser SDK (Date.now()), corrected for
// clock skew where noted. The originating client IP is resolved into the geo
// fields at write time and never stored on the record.
type TrackingEvent struct {
	EventID     string `json:"event_id"`
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id"`

	// Timestamp is the server receipt time; CreatedAt/UpdatedAt are the
	// skew-corrected client clocks.
	Timestamp int64 `json:"timestamp"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	Name         string `json:"name"`
	Path         string `json:"path"`
	PreviousPath string `json:"previous_path"`

	Referrer       string `json:"referrer"`
	ReferrerDomain string `json:"referrer_domain"`
	ReferrerPath   string `json:"referrer_path"`
	IsDirect       bool   `json:"is_direct"`

	LandingPage     string `json:"landing_page"`
	LandingPagePath string `json:"landing_page_path"`

	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMTerm     string `json:"utm_term"`
	UTMContent  string `json:"utm_content"`

	Channel      string `json:"channel"`
	ChannelGroup string `json:"channel_group"`

	// Free-form custom dimension slots populated by workspace filter rules.
	STM1  string `json:"stm_1"`
	STM2  string `json:"stm_2"`
	STM3  string `json:"stm_3"`
	STM4  string `json:"stm_4"`
	STM5  string `json:"stm_5"`
	STM6  string `json:"stm_6"`
	STM7  string `json:"stm_7"`
	STM8  string `json:"stm_8"`
	STM9  string `json:"stm_9"`
	STM10 string `json:"stm_10"`

	Device         string `json:"device"`
	Browser        string `json:"browser"`
	OS             string `json:"os"`
	Language       string `json:"language"`
	ViewportWidth  int32  `json:"viewport_width"`
	ViewportHeight int32  `json:"viewport_height"`

	// Duration fields are raw client-local elapsed time and are never
	// adjusted for clock skew.
	Duration     int64 `json:"duration"`
	PageDuration int64 `json:"page_duration"`
	MaxScroll    int32 `json:"max_scroll"`
	EnteredAt    int64 `json:"entered_at"`
	ExitedAt     int64 `json:"exited_at"`

	Country   string   `json:"country"`
	Region    string   `json:"region"`
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	DedupKey string `json:"dedup_key"`

	GoalName      string          `json:"goal_name"`
	GoalValue     float64         `json:"goal_value"`
	GoalTimestamp int64           `json:"goal_timestamp"`
	Properties    json.RawMessage `json:"properties,omitempty"`

	// Version is the server-assigned receipt timestamp shared by every event
	// derived from one payload; the store resolves conflicts last-write-wins
	// on (dedup_key, version).
	Version int64 `json:"version"`
}

// SetCustomDimension assigns a stm_N slot by its wire name. Returns false for
// names outside stm_1..stm_10.
func (e *TrackingEvent) SetCustomDimension(slot, value string) bool {
	switch slot {
	case "stm_1":
		e.STM1 = value
	case "stm_2":
		e.STM2 = value
	case "stm_3":
		e.STM3 = value
	case "stm_4":
		e.STM4 = value
	case "stm_5":
		e.STM5 = value
	case "stm_6":
		e.STM6 = value
	case "stm_7":
		e.STM7 = value
	case "stm_8":
		e.STM8 = value
	case "stm_9":
		e.STM9 = value
	case "stm_10":
		e.STM10 = value
	default:
		return false
	}
	return true
}

// Action type tags accepted in a session payload.
const (
	ActionPageview = "pageview"
	ActionGoal     = "goal"
)

// Action is a closed tagged union over the payload action kinds. Exactly one
// of Pageview/Goal is non-nil for a recognized Type; unknown tags keep both
// nil and are rejected by the reconciler.
type Action struct {
	Type     string
	Pageview *PageviewAction
	Goal     *GoalAction
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	a.Type = head.Type
	switch head.Type {
	case ActionPageview:
		a.Pageview = &PageviewAction{}
		return json.Unmarshal(data, a.Pageview)
	case ActionGoal:
		a.Goal = &GoalAction{}
		return json.Unmarshal(data, a.Goal)
	}
	// An unknown tag is not a decode error here; the reconciler rejects the
	// whole payload so no partial action list is ever committed.
	return nil
}

// PageviewAction is a finalized page visit reported by the SDK.
type PageviewAction struct {
	Path          string `json:"path"`
	PageNumber    int    `json:"page_number"`
	ScrollPercent int32  `json:"scroll_percentage"`
	Duration      int64  `json:"duration"`
	EnteredAt     int64  `json:"entered_at"`
	ExitedAt      int64  `json:"exited_at"`
}

// GoalAction is a conversion reported by the SDK.
type GoalAction struct {
	Name       string          `json:"name"`
	PageNumber int             `json:"page_number"`
	Timestamp  int64           `json:"timestamp"`
	Value      *float64        `json:"value,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// SessionAttributes carries the session-level context shared by every action
// in a payload.
type SessionAttributes struct {
	LandingPage    string `json:"landing_page"`
	Referrer       string `json:"referrer"`
	IsDirect       *bool  `json:"is_direct,omitempty"`
	UTMSource      string `json:"utm_source"`
	UTMMedium      string `json:"utm_medium"`
	UTMCampaign    string `json:"utm_campaign"`
	UTMTerm        string `json:"utm_term"`
	UTMContent     string `json:"utm_content"`
	Device         string `json:"device"`
	Browser        string `json:"browser"`
	OS             string `json:"os"`
	Language       string `json:"language"`
	ViewportWidth  int32  `json:"viewport_width"`
	ViewportHeight int32  `json:"viewport_height"`
}

// SessionPayload is the checkpoint-delta envelope submitted by the SDK.
// Actions at index <= Checkpoint have already been recorded by an earlier
// call; they are replayed for context but never re-emitted.
type SessionPayload struct {
	WorkspaceID string   `json:"workspace_id" binding:"required"`
	SessionID   string   `json:"session_id" binding:"required"`
	Actions     []Action `json:"actions"`

	// CurrentPage is the page still in progress on the client. A page is only
	// recorded once it is finalized as an action, so this is ignored.
	CurrentPage json.RawMessage `json:"current_page,omitempty"`

	Checkpoint int               `json:"checkpoint"`
	Attributes SessionAttributes `json:"attributes"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
	// SentAt is the client clock at transmission time; zero for legacy SDKs
	// that predate skew correction.
	SentAt int64 `json:"sent_at"`
}

// RawTrackEvent is the flat record accepted by the raw track endpoint.
type RawTrackEvent struct {
	WorkspaceID string          `json:"workspace_id" binding:"required"`
	SessionID   string          `json:"session_id" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Path        string          `json:"path"`
	LandingPage string          `json:"landing_page"`
	Referrer    string          `json:"referrer"`
	UTMSource   string          `json:"utm_source"`
	UTMMedium   string          `json:"utm_medium"`
	UTMCampaign string          `json:"utm_campaign"`
	UTMTerm     string          `json:"utm_term"`
	UTMContent  string          `json:"utm_content"`
	Device      string          `json:"device"`
	Browser     string          `json:"browser"`
	OS          string          `json:"os"`
	Language    string          `json:"language"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}
