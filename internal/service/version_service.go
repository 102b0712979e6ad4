package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quantfold/riskcore/internal/domain"
)

// VersionService manages the lifecycle of strategy and model config versions:
// registration of frozen config documents, status promotion through the
// transition table, and metrics rollups.
type VersionService struct {
	versions domain.VersionStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewVersionService creates a VersionService with all required dependencies.
func NewVersionService(versions domain.VersionStore, audit domain.AuditStore, logger *slog.Logger) *VersionService {
	return &VersionService{
		versions: versions,
		audit:    audit,
		logger:   logger,
	}
}

// Register creates a new config version in draft status. The config document
// must be valid JSON; it is stored verbatim and never modified afterwards.
// Re-registering an existing (kind, name, version) fails with
// DuplicateVersionError.
func (s *VersionService) Register(ctx context.Context, identity domain.VersionIdentity) (domain.ConfigVersion, error) {
	if identity.Kind != domain.KindStrategy && identity.Kind != domain.KindModel {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: unknown kind %q", identity.Kind)
	}
	if identity.Name == "" || identity.Version == "" {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: name and version are required")
	}
	if len(identity.Config) == 0 || !json.Valid(identity.Config) {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: config must be valid JSON")
	}

	v, err := s.versions.Create(ctx, identity)
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: register %s/%s: %w", identity.Name, identity.Version, err)
	}

	if auditErr := s.audit.Log(ctx, "version_registered", map[string]any{
		"version_id": v.ID,
		"kind":       string(v.Identity.Kind),
		"name":       v.Identity.Name,
		"version":    v.Identity.Version,
		"class":      v.Identity.Class,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "version_service: audit log failed",
			slog.Int64("version_id", v.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "version_service: version registered",
		slog.Int64("version_id", v.ID),
		slog.String("kind", string(v.Identity.Kind)),
		slog.String("name", v.Identity.Name),
		slog.String("version", v.Identity.Version),
	)

	return v, nil
}

// Get returns a single version by id.
func (s *VersionService) Get(ctx context.Context, id int64) (domain.ConfigVersion, error) {
	v, err := s.versions.Get(ctx, id)
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: get %d: %w", id, err)
	}
	return v, nil
}

// ListByName returns every version of a name, newest first.
func (s *VersionService) ListByName(ctx context.Context, kind domain.VersionKind, name string) ([]domain.ConfigVersion, error) {
	versions, err := s.versions.GetByName(ctx, kind, name)
	if err != nil {
		return nil, fmt.Errorf("version_service: list %s/%s: %w", kind, name, err)
	}
	return versions, nil
}

// ListActive returns every active version of the given kind.
func (s *VersionService) ListActive(ctx context.Context, kind domain.VersionKind) ([]domain.ConfigVersion, error) {
	versions, err := s.versions.ListActive(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("version_service: list active %s: %w", kind, err)
	}
	return versions, nil
}

// Transition moves a version to a new lifecycle status. Illegal moves fail
// with InvalidStatusTransitionError and are not audited.
func (s *VersionService) Transition(ctx context.Context, id int64, status domain.VersionStatus) (domain.ConfigVersion, error) {
	v, err := s.versions.UpdateStatus(ctx, id, status)
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: transition %d: %w", id, err)
	}

	if auditErr := s.audit.Log(ctx, "version_transitioned", map[string]any{
		"version_id": v.ID,
		"kind":       string(v.Identity.Kind),
		"name":       v.Identity.Name,
		"version":    v.Identity.Version,
		"status":     string(v.Status),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "version_service: audit log failed",
			slog.Int64("version_id", v.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "version_service: version transitioned",
		slog.Int64("version_id", v.ID),
		slog.String("status", string(v.Status)),
	)

	return v, nil
}

// RecordMetrics adds the delta to a version's metric fields. Identity and
// config stay untouched.
func (s *VersionService) RecordMetrics(ctx context.Context, id int64, delta domain.MetricsDelta) (domain.ConfigVersion, error) {
	v, err := s.versions.UpdateMetrics(ctx, id, delta)
	if err != nil {
		return domain.ConfigVersion{}, fmt.Errorf("version_service: record metrics %d: %w", id, err)
	}
	return v, nil
}
