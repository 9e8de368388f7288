package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	ev := NewExprEvaluator()

	t.Run("True", func(t *testing.T) {
		ok, err := ev.Evaluate(`resourceId != ""`, map[string]any{"resourceId": "r1"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("CachedProgramReused", func(t *testing.T) {
		ok, err := ev.Evaluate(`resourceId != ""`, map[string]any{"resourceId": ""})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, ev.cache, 1)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := ev.Evaluate(`resourceId ==`, map[string]any{})
		assert.Error(t, err)
	})

	t.Run("NotBoolean", func(t *testing.T) {
		_, err := ev.Evaluate(`planName`, map[string]any{"planName": "x"})
		assert.Error(t, err)
	})
}

func TestPolicyResolve(t *testing.T) {
	ev := NewExprEvaluator()
	p := Policy{Steps: []Step{
		{Name: "Clinical review", Candidates: []string{"reviewer"}},
		{Name: "Publication sign-off", Assignee: "lead", When: `resourceId != ""`},
	}}
	require.NoError(t, p.Validate())

	steps, err := p.Resolve(ev, map[string]any{"resourceId": ""})
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	steps, err = p.Resolve(ev, map[string]any{"resourceId": "r1"})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "lead", steps[1].Assignee)

	empty, err := Policy{}.Resolve(ev, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().Steps, empty)
}

func TestPolicyValidate(t *testing.T) {
	assert.Error(t, Policy{Steps: []Step{{Name: ""}}}.Validate())
	assert.Error(t, Policy{Steps: []Step{{Name: "x", When: "a =="}}}.Validate())
	assert.NoError(t, DefaultPolicy().Validate())
}
