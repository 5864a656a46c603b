package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProposedActions(t *testing.T) {
	t.Run("plain JSON array", func(t *testing.T) {
		actions, err := parseProposedActions(`["run away", "hide", "fight"]`)

		require.NoError(t, err)
		assert.Equal(t, []string{"run away", "hide", "fight"}, actions)
	})

	t.Run("fenced JSON array", func(t *testing.T) {
		raw := "```json\n[\"open the chest\", \"leave it\"]\n```"
		actions, err := parseProposedActions(raw)

		require.NoError(t, err)
		assert.Equal(t, []string{"open the chest", "leave it"}, actions)
	})

	t.Run("drops empty entries", func(t *testing.T) {
		actions, err := parseProposedActions(`["run", "  ", "hide"]`)

		require.NoError(t, err)
		assert.Equal(t, []string{"run", "hide"}, actions)
	})

	t.Run("numbered list fallback", func(t *testing.T) {
		raw := "1. Climb the tower\n2. Search the cellar\n3. Call out"
		actions, err := parseProposedActions(raw)

		require.NoError(t, err)
		assert.Equal(t, []string{"Climb the tower", "Search the cellar", "Call out"}, actions)
	})

	t.Run("bulleted list fallback", func(t *testing.T) {
		raw := "- sneak past\n* charge in\n"
		actions, err := parseProposedActions(raw)

		require.NoError(t, err)
		assert.Equal(t, []string{"sneak past", "charge in"}, actions)
	})

	t.Run("empty reply fails", func(t *testing.T) {
		_, err := parseProposedActions("   \n  ")

		assert.ErrorIs(t, err, ErrGenerationFailed)
	})
}
