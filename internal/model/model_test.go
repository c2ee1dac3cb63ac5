package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServicesFiltersAndDedupes(t *testing.T) {
	valid, unknown := ParseServices([]string{"voyage", "openai", "mongodb", "voyage"})
	assert.Equal(t, []Service{ServiceVoyage, ServiceMongoDB}, valid)
	assert.Equal(t, []string{"openai"}, unknown)
}

func TestEntitlementActiveAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ent := &Entitlement{IsActive: true, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, ent.ActiveAt(now))
	assert.Equal(t, time.Hour, ent.Remaining(now))

	assert.False(t, ent.ActiveAt(now.Add(2*time.Hour)))
	assert.Zero(t, ent.Remaining(now.Add(2*time.Hour)))

	ent.IsActive = false
	assert.False(t, ent.ActiveAt(now))
}

func TestArtifactPreviewCountsRunes(t *testing.T) {
	a := &Artifact{Content: "你好世界abc"}
	assert.Equal(t, "你好", a.Preview(2))
	assert.Equal(t, a.Content, a.Preview(100))
}

func TestRunCloneIsDeep(t *testing.T) {
	run := &Run{ID: "r1", History: []PhaseEntry{{Phase: PhaseThink, Payload: map[string]any{"k": "v"}}}}
	cp := run.Clone()
	require.NotNil(t, cp)
	cp.History[0].Payload["k"] = "changed"
	cp.History = append(cp.History, PhaseEntry{Phase: PhaseRetrieve})

	assert.Equal(t, "v", run.History[0].Payload["k"])
	assert.Len(t, run.History, 1)
}

func TestNormalizeArtifactKind(t *testing.T) {
	assert.Equal(t, ArtifactCode, NormalizeArtifactKind("code"))
	assert.Equal(t, ArtifactDocument, NormalizeArtifactKind("slides"))
}
