package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// VersionKind discriminates strategy versions from probability-model
// versions. Both share one lifecycle and one store.
type VersionKind string

const (
	KindStrategy VersionKind = "strategy"
	KindModel    VersionKind = "model"
)

// VersionStatus is the lifecycle state of a config version. Identity and
// config are frozen at creation; status is the only mutable lifecycle field.
type VersionStatus string

const (
	StatusDraft      VersionStatus = "draft"
	StatusTesting    VersionStatus = "testing"
	StatusActive     VersionStatus = "active"
	StatusInactive   VersionStatus = "inactive"
	StatusDeprecated VersionStatus = "deprecated"
)

// statusTransitions is the closed transition table. Deprecated is terminal.
var statusTransitions = map[VersionStatus][]VersionStatus{
	StatusDraft:      {StatusTesting},
	StatusTesting:    {StatusActive, StatusDraft},
	StatusActive:     {StatusInactive, StatusDeprecated},
	StatusInactive:   {StatusActive, StatusDeprecated},
	StatusDeprecated: {},
}

// Valid reports whether s is a known status.
func (s VersionStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle move s -> to is legal.
func (s VersionStatus) CanTransitionTo(to VersionStatus) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// VersionIdentity is the write-once part of a config version. Config is held
// as raw JSON end-to-end so fixed-point values survive round-trips
// bit-identical; it is never parsed into floats.
type VersionIdentity struct {
	Kind    VersionKind
	Name    string
	Version string
	Class   string
	Domain  string
	Config  json.RawMessage
}

// VersionMetrics is the mutable performance record of a config version.
// Updating metrics never touches identity or config; that separation is what
// keeps trade attribution valid.
type VersionMetrics struct {
	PaperTrades int64
	LiveTrades  int64
	PaperPnL    decimal.Decimal
	LivePnL     decimal.Decimal
}

// MetricsDelta is an additive update applied to VersionMetrics.
type MetricsDelta struct {
	PaperTrades int64
	LiveTrades  int64
	PaperPnL    decimal.Decimal
	LivePnL     decimal.Decimal
}

// ConfigVersion joins the immutable identity with the mutable lifecycle and
// metrics, keyed by a surrogate id. Trades reference this id; because the
// identity never changes, an attribution reference always points at the
// exact configuration that produced the trade.
type ConfigVersion struct {
	ID        int64
	Identity  VersionIdentity
	Status    VersionStatus
	Metrics   VersionMetrics
	CreatedAt time.Time
	UpdatedAt time.Time
}
