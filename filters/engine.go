// Package filters evaluates workspace attribution rules against a single
// event, producing custom-dimension values and standard-field overrides.
package filters

import (
	"sort"
	"strconv"
	"strings"

	"sitepulse/api/models"

	"github.com/rs/zerolog"
)

// Result carries the outcome of one rule evaluation pass: values for the
// stm_N custom-dimension slots and overrides for standard fields. Both maps
// are string-keyed string values; boolean targets such as is_direct travel
// as the literals "true"/"false" and are parsed back at assignment.
type Result struct {
	CustomDimensions map[string]string
	Overrides        map[string]string
}

// Engine evaluates a workspace's ordered filter rules. Rules apply in
// ascending priority; a later match overwrites earlier values for the same
// target. A rule with zero conditions never matches. The engine runs once
// per event, not once per payload, since conditions may reference
// per-action fields.
type Engine struct {
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// Evaluate matches rules against the event's field snapshot. The snapshot is
// taken once up front, so overrides produced by one rule do not change what
// later rules match against.
func (e *Engine) Evaluate(rules []models.FilterRule, event *models.TrackingEvent) Result {
	res := Result{
		CustomDimensions: make(map[string]string),
		Overrides:        make(map[string]string),
	}
	if len(rules) == 0 {
		return res
	}

	ordered := make([]models.FilterRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	snapshot := fieldSnapshot(event)

	for _, rule := range ordered {
		if !rule.Enabled || len(rule.Conditions) == 0 {
			continue
		}
		if !ruleMatches(rule, snapshot) {
			continue
		}
		for _, op := range rule.Operations {
			switch op.Kind {
			case models.FilterOpCustomDimension:
				res.CustomDimensions[op.Target] = op.Value
			case models.FilterOpOverride:
				res.Overrides[op.Target] = op.Value
			default:
				e.log.Warn().Str("rule_id", rule.ID).Str("kind", op.Kind).Msg("unknown filter operation kind, skipped")
			}
		}
	}

	return res
}

// Apply writes an evaluation result onto the event.
func (e *Engine) Apply(event *models.TrackingEvent, res Result) {
	for slot, value := range res.CustomDimensions {
		if !event.SetCustomDimension(slot, value) {
			e.log.Warn().Str("slot", slot).Msg("filter targets unknown custom dimension slot")
		}
	}

	for field, value := range res.Overrides {
		switch field {
		case "utm_source":
			event.UTMSource = value
		case "utm_medium":
			event.UTMMedium = value
		case "utm_campaign":
			event.UTMCampaign = value
		case "utm_term":
			event.UTMTerm = value
		case "utm_content":
			event.UTMContent = value
		case "referrer":
			event.Referrer = value
		case "referrer_domain":
			event.ReferrerDomain = value
		case "referrer_path":
			event.ReferrerPath = value
		case "landing_page":
			event.LandingPage = value
		case "channel":
			event.Channel = value
		case "channel_group":
			event.ChannelGroup = value
		case "is_direct":
			// is_direct crosses the override map as a string literal.
			if parsed, err := strconv.ParseBool(value); err == nil {
				event.IsDirect = parsed
			} else {
				e.log.Warn().Str("value", value).Msg("is_direct override is not a boolean literal, ignored")
			}
		default:
			e.log.Warn().Str("field", field).Msg("filter override targets unknown field, ignored")
		}
	}
}

func ruleMatches(rule models.FilterRule, snapshot map[string]string) bool {
	for _, cond := range rule.Conditions {
		fieldVal, ok := snapshot[cond.Field]
		if !ok {
			return false
		}
		if !conditionMatches(cond.Operator, fieldVal, cond.Value) {
			return false
		}
	}
	return true
}

func conditionMatches(operator, fieldVal, condVal string) bool {
	switch operator {
	case models.OpEquals:
		return fieldVal == condVal
	case models.OpNotEquals:
		return fieldVal != condVal
	case models.OpContains:
		return strings.Contains(fieldVal, condVal)
	case models.OpNotContains:
		return !strings.Contains(fieldVal, condVal)
	case models.OpStartsWith:
		return strings.HasPrefix(fieldVal, condVal)
	case models.OpEndsWith:
		return strings.HasSuffix(fieldVal, condVal)
	default:
		return false
	}
}

// fieldSnapshot exposes the matchable event fields by wire name.
func fieldSnapshot(e *models.TrackingEvent) map[string]string {
	return map[string]string{
		"name":            e.Name,
		"path":            e.Path,
		"previous_path":   e.PreviousPath,
		"referrer":        e.Referrer,
		"referrer_domain": e.ReferrerDomain,
		"referrer_path":   e.ReferrerPath,
		"is_direct":       strconv.FormatBool(e.IsDirect),
		"landing_page":    e.LandingPage,
		"utm_source":      e.UTMSource,
		"utm_medium":      e.UTMMedium,
		"utm_campaign":    e.UTMCampaign,
		"utm_term":        e.UTMTerm,
		"utm_content":     e.UTMContent,
		"channel":         e.Channel,
		"channel_group":   e.ChannelGroup,
		"device":          e.Device,
		"browser":         e.Browser,
		"os":              e.OS,
		"language":        e.Language,
		"country":         e.Country,
		"goal_name":       e.GoalName,
	}
}
