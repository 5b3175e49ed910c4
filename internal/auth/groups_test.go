package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/keygate/internal/auth"
)

func TestGroupExtractor(t *testing.T) {

	claims := map[string]interface{}{
		"sub":    "user1",
		"email":  "test@test.com",
		"groups": []interface{}{"platform-admins", "developers"},
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"offline_access"},
		},
	}

	t.Run("plain groups claim", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("groups")
		require.NoError(t, err)

		groups, err := extractor.Extract(claims)
		require.NoError(t, err)
		assert.Equal(t, []string{"developers", "platform-admins"}, groups)
	})

	t.Run("nested claim expression", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("realm_access.roles")
		require.NoError(t, err)

		groups, err := extractor.Extract(claims)
		require.NoError(t, err)
		assert.Equal(t, []string{"offline_access"}, groups)
	})

	t.Run("single string result becomes one group", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("sub")
		require.NoError(t, err)

		groups, err := extractor.Extract(claims)
		require.NoError(t, err)
		assert.Equal(t, []string{"user1"}, groups)
	})

	t.Run("absent claim yields empty set", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("missing_claim")
		require.NoError(t, err)

		groups, err := extractor.Extract(claims)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("duplicates are removed", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("groups")
		require.NoError(t, err)

		groups, err := extractor.Extract(map[string]interface{}{
			"groups": []interface{}{"developers", "developers", "developers"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"developers"}, groups)
	})

	t.Run("non-string items are rejected", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("groups")
		require.NoError(t, err)

		_, err = extractor.Extract(map[string]interface{}{
			"groups": []interface{}{"developers", 42},
		})
		assert.Error(t, err)
	})

	t.Run("empty expression is rejected", func(t *testing.T) {
		_, err := auth.NewGroupExtractor("")
		assert.Error(t, err)
	})

	t.Run("nil claims are rejected", func(t *testing.T) {
		extractor, err := auth.NewGroupExtractor("groups")
		require.NoError(t, err)

		_, err = extractor.Extract(nil)
		assert.Error(t, err)
	})
}
