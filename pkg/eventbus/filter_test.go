package eventbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterEvent(t *testing.T, payload map[string]interface{}) *Event {
	t.Helper()
	e, err := NewEvent(EventRunSettled, "pipeline", payload, WithPriority(PriorityHigh))
	require.NoError(t, err)
	return e
}

func TestFilterMatchesEventAttributes(t *testing.T) {
	f, err := CompileFilter(`event.type == "run.settled" && event.priority >= 2`)
	require.NoError(t, err)

	matched, err := f.Matches(filterEvent(t, nil))
	require.NoError(t, err)
	assert.True(t, matched)

	low, err := NewEvent(EventRunSettled, "pipeline", nil)
	require.NoError(t, err)
	matched, err = f.Matches(low)
	require.NoError(t, err)
	assert.False(t, matched, "normal priority must not satisfy >= HIGH")
}

func TestFilterMatchesPayloadFields(t *testing.T) {
	f, err := CompileFilter(`event.payload.tenant == "acme" && event.payload.score > 0.5`)
	require.NoError(t, err)

	matched, err := f.Matches(filterEvent(t, map[string]interface{}{"tenant": "acme", "score": 0.9}))
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = f.Matches(filterEvent(t, map[string]interface{}{"tenant": "other", "score": 0.9}))
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestFilterEvalErrorIsNonMatch(t *testing.T) {
	f, err := CompileFilter(`event.payload.missing == "x"`)
	require.NoError(t, err)

	matched, err := f.Matches(filterEvent(t, map[string]interface{}{"present": true}))
	assert.Error(t, err)
	assert.False(t, matched)
}

func TestFilterRejectsNonBoolExpressions(t *testing.T) {
	_, err := CompileFilter(`event.source`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}

func TestFilterRejectsNonDeterministicFunctions(t *testing.T) {
	for _, expr := range []string{
		`timestamp("2026-01-01T00:00:00Z") > timestamp("2025-01-01T00:00:00Z")`,
		`duration("1h") > duration("30m")`,
	} {
		_, err := CompileFilter(expr)
		require.Error(t, err, expr)
		assert.Contains(t, err.Error(), "non-deterministic", expr)
	}
}

func TestFilterRejectsOversizedExpressions(t *testing.T) {
	clauses := make([]string, 100)
	for i := range clauses {
		clauses[i] = `event.source == "a"`
	}
	_, err := CompileFilter(strings.Join(clauses, " && "))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodes")
}

func TestFilterRejectsSyntaxErrors(t *testing.T) {
	_, err := CompileFilter(`event.type ==`)
	assert.Error(t, err)
}

func TestFilterSourcePreserved(t *testing.T) {
	const src = `event.type == "run.settled"`
	f, err := CompileFilter(src)
	require.NoError(t, err)
	assert.Equal(t, src, f.Source())
}
