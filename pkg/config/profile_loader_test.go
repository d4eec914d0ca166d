package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noetic-Labs/meridian/core/pkg/config"
	"github.com/Noetic-Labs/meridian/core/pkg/pipeline"
)

const minimalProfile = `name: minimal
description: validation and settlement only
phases:
  - ordinal: 1
    name: validation
    timeout: 5s
    required: true
  - ordinal: 2
    name: analysis
    enabled: false
    timeout: 10s
  - ordinal: 3
    name: settlement
    timeout: 5s
    required: true
    retries: 1
`

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadProfileParsesPhases(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "minimal", minimalProfile)

	p, err := config.LoadProfile(dir, "minimal")
	require.NoError(t, err)
	assert.Equal(t, "minimal", p.Name)

	specs, err := p.PhaseSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, pipeline.PhaseValidation, specs[0].Name)
	assert.True(t, specs[0].Enabled, "enabled defaults to true when omitted")
	assert.True(t, specs[0].Required)
	assert.Equal(t, 5*time.Second, specs[0].Timeout)

	assert.False(t, specs[1].Enabled)
	assert.Equal(t, 1, specs[2].Retries)
}

func TestLoadProfileUnknownName(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestPhaseSpecsRejectsBadTimeout(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken", `name: broken
phases:
  - ordinal: 1
    name: validation
    timeout: fast
`)

	p, err := config.LoadProfile(dir, "broken")
	require.NoError(t, err)
	_, err = p.PhaseSpecs()
	assert.ErrorContains(t, err, "timeout")
}

func TestPhaseSpecsRejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dup", `name: dup
phases:
  - ordinal: 1
    name: validation
    timeout: 5s
  - ordinal: 1
    name: settlement
    timeout: 5s
`)

	p, err := config.LoadProfile(dir, "dup")
	require.NoError(t, err)
	_, err = p.PhaseSpecs()
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "minimal", minimalProfile)
	writeProfile(t, dir, "unnamed", `phases:
  - ordinal: 1
    name: validation
    timeout: 5s
`)

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Contains(t, profiles, "minimal")
	assert.Contains(t, profiles, "unnamed", "name falls back to the filename")
}

func TestResolvePhasesDefaultsWithoutProfile(t *testing.T) {
	specs, err := config.ResolvePhases(&config.Config{})
	require.NoError(t, err)
	assert.Len(t, specs, 7)
}

func TestResolvePhasesLoadsNamedProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "minimal", minimalProfile)

	specs, err := config.ResolvePhases(&config.Config{ProfilesDir: dir, ProfileName: "minimal"})
	require.NoError(t, err)
	assert.Len(t, specs, 3)
}
