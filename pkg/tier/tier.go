// Package tier validates and accounts every action against per-tenant
// quotas. The tier table is loaded once and is the single authoritative
// source of limits; resources form a closed enumeration.
package tier

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Resource identifies a limited resource. Unknown resource names at a
// validation site are a programming error, caught at table load.
type Resource string

// The closed resource enumeration
const (
	ResourceMaxAgents            Resource = "max_agents"
	ResourceMaxSessions          Resource = "max_sessions"
	ResourceDailyEmbeddingTokens Resource = "daily_embedding_tokens"
	ResourceDailyLLMTokens       Resource = "daily_llm_tokens"
	ResourceDailyMessages        Resource = "daily_messages"
	ResourceHourlyActions        Resource = "hourly_actions"
	ResourceCustomTemplates      Resource = "custom_templates"
)

// LimitKind is the shape of a limit spec
type LimitKind int

const (
	// LimitCount caps how many of something may exist
	LimitCount LimitKind = iota
	// LimitQuota caps consumption per rolling window
	LimitQuota
	// LimitCapability is a boolean feature gate
	LimitCapability
)

// Window is the quota accounting window
type Window string

// Quota windows
const (
	WindowDay  Window = "day"
	WindowHour Window = "hour"
)

// resourceSpec fixes the kind, window and rejection code of each resource
type resourceSpec struct {
	Kind   LimitKind
	Window Window
	Code   string
}

var resourceSpecs = map[Resource]resourceSpec{
	ResourceMaxAgents:            {Kind: LimitCount, Code: "AGENT_LIMIT"},
	ResourceMaxSessions:          {Kind: LimitCount, Code: "SESSION_LIMIT"},
	ResourceDailyEmbeddingTokens: {Kind: LimitQuota, Window: WindowDay, Code: "EMBEDDING_QUOTA"},
	ResourceDailyLLMTokens:       {Kind: LimitQuota, Window: WindowDay, Code: "LLM_QUOTA"},
	ResourceDailyMessages:        {Kind: LimitQuota, Window: WindowDay, Code: "MESSAGE_QUOTA"},
	ResourceHourlyActions:        {Kind: LimitQuota, Window: WindowHour, Code: "ACTION_QUOTA"},
	ResourceCustomTemplates:      {Kind: LimitCapability, Code: "TEMPLATE_CAPABILITY"},
}

// Spec returns the fixed shape of a resource; ok is false for names outside
// the enumeration.
func Spec(r Resource) (kind LimitKind, window Window, code string, ok bool) {
	s, ok := resourceSpecs[r]
	return s.Kind, s.Window, s.Code, ok
}

// Tier names
const (
	TierFree         = "free"
	TierAdvance      = "advance"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// LimitSpec is one cell of the tier table
type LimitSpec struct {
	// Limit is the cap for count and quota resources
	Limit int64 `yaml:"limit" json:"limit"`
	// Allowed is the gate for capability resources
	Allowed bool `yaml:"allowed" json:"allowed"`
}

// Table maps tier name to its limits row
type Table map[string]map[Resource]LimitSpec

// DefaultTable returns the built-in tier table
func DefaultTable() Table {
	return Table{
		TierFree: {
			ResourceMaxAgents:            {Limit: 2},
			ResourceMaxSessions:          {Limit: 5},
			ResourceDailyEmbeddingTokens: {Limit: 1000},
			ResourceDailyLLMTokens:       {Limit: 10000},
			ResourceDailyMessages:        {Limit: 200},
			ResourceHourlyActions:        {Limit: 500},
			ResourceCustomTemplates:      {Allowed: false},
		},
		TierAdvance: {
			ResourceMaxAgents:            {Limit: 10},
			ResourceMaxSessions:          {Limit: 50},
			ResourceDailyEmbeddingTokens: {Limit: 100000},
			ResourceDailyLLMTokens:       {Limit: 500000},
			ResourceDailyMessages:        {Limit: 5000},
			ResourceHourlyActions:        {Limit: 10000},
			ResourceCustomTemplates:      {Allowed: true},
		},
		TierProfessional: {
			ResourceMaxAgents:            {Limit: 50},
			ResourceMaxSessions:          {Limit: 500},
			ResourceDailyEmbeddingTokens: {Limit: 1000000},
			ResourceDailyLLMTokens:       {Limit: 5000000},
			ResourceDailyMessages:        {Limit: 50000},
			ResourceHourlyActions:        {Limit: 100000},
			ResourceCustomTemplates:      {Allowed: true},
		},
		TierEnterprise: {
			ResourceMaxAgents:            {Limit: 1000},
			ResourceMaxSessions:          {Limit: 10000},
			ResourceDailyEmbeddingTokens: {Limit: 50000000},
			ResourceDailyLLMTokens:       {Limit: 100000000},
			ResourceDailyMessages:        {Limit: 1000000},
			ResourceHourlyActions:        {Limit: 1000000},
			ResourceCustomTemplates:      {Allowed: true},
		},
	}
}

// LoadTable reads a tier table from a YAML file and validates it
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tier table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate rejects rows naming resources outside the enumeration and
// negative limits
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	for tier, row := range t {
		for resource, spec := range row {
			if _, ok := resourceSpecs[resource]; !ok {
				return fmt.Errorf("tier %q names unknown resource %q", tier, resource)
			}
			if spec.Limit < 0 {
				return fmt.Errorf("tier %q resource %q has negative limit", tier, resource)
			}
		}
	}
	return nil
}

// WindowKey renders the window segment of a usage key. Rotation of this
// segment is what resets per-window counters.
func WindowKey(w Window, now time.Time) string {
	switch w {
	case WindowHour:
		return now.UTC().Format("2006-01-02T15")
	default:
		return now.UTC().Format("2006-01-02")
	}
}

// WindowTTL is how long a counter outlives its window before Redis drops it
func WindowTTL(w Window) time.Duration {
	switch w {
	case WindowHour:
		return 2 * time.Hour
	default:
		return 48 * time.Hour
	}
}
