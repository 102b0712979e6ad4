package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	allowed := map[VersionStatus][]VersionStatus{
		StatusDraft:      {StatusTesting},
		StatusTesting:    {StatusActive, StatusDraft},
		StatusActive:     {StatusInactive, StatusDeprecated},
		StatusInactive:   {StatusActive, StatusDeprecated},
		StatusDeprecated: {},
	}
	all := []VersionStatus{StatusDraft, StatusTesting, StatusActive, StatusInactive, StatusDeprecated}

	for from, tos := range allowed {
		legal := make(map[VersionStatus]bool, len(tos))
		for _, to := range tos {
			legal[to] = true
		}
		for _, to := range all {
			assert.Equal(t, legal[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []VersionStatus{StatusDraft, StatusTesting, StatusActive, StatusInactive, StatusDeprecated} {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, VersionStatus("archived").Valid())
	assert.False(t, VersionStatus("").Valid())
}

func TestSideValid(t *testing.T) {
	assert.True(t, SideYes.Valid())
	assert.True(t, SideNo.Valid())
	assert.False(t, Side("MAYBE").Valid())
}
