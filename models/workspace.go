package models

// GeoSettings controls per-workspace geo enrichment. Precision is the number
// of decimal places (0-2) kept on stored coordinates.
type GeoSettings struct {
	Enabled             bool `json:"enabled"`
	StoreRegion         bool `json:"store_region"`
	StoreCity           bool `json:"store_city"`
	CoordinatePrecision int  `json:"coordinate_precision"`
}

// Filter condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
)

// Filter operation kinds.
const (
	FilterOpCustomDimension = "custom_dimension"
	FilterOpOverride        = "override"
)

// FilterCondition matches one event field against a literal value.
type FilterCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// FilterOperation either sets a stm_N custom-dimension slot or overrides a
// standard event field. Values are strings on the wire; boolean targets such
// as is_direct travel as the literals "true"/"false".
type FilterOperation struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

// FilterRule is one ordered attribution/custom-dimension rule. All conditions
// must match for the operations to apply; a rule with zero conditions never
// matches.
type FilterRule struct {
	ID         string            `json:"id"`
	Priority   int               `json:"priority"`
	Enabled    bool              `json:"enabled"`
	Conditions []FilterCondition `json:"conditions"`
	Operations []FilterOperation `json:"operations"`
}

// WorkspaceConfig is the per-tenant configuration served by the workspace
// directory and consumed on the ingestion hot path.
type WorkspaceConfig struct {
	WorkspaceID    string       `json:"workspace_id"`
	Geo            GeoSettings  `json:"geo"`
	AllowedDomains []string     `json:"allowed_domains"`
	FilterRules    []FilterRule `json:"filter_rules"`
}

// EnabledFilterRules returns the rules that can apply, in evaluation order.
func (c *WorkspaceConfig) EnabledFilterRules() []FilterRule {
	rules := make([]FilterRule, 0, len(c.FilterRules))
	for _, r := range c.FilterRules {
		if r.Enabled && len(r.Conditions) > 0 {
			rules = append(rules, r)
		}
	}
	return rules
}

// GeoLocation is a resolved IP location. The zero value is the canonical
// "empty" result used for disabled lookup, private addresses, a missing
// database, and lookup failures alike; callers never learn which.
type GeoLocation struct {
	Country   string   `json:"country"`
	Region    string   `json:"region"`
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// IsEmpty reports whether the location carries no data.
func (g GeoLocation) IsEmpty() bool {
	return g.Country == "" && g.Region == "" && g.City == "" &&
		g.Latitude == nil && g.Longitude == nil
}
