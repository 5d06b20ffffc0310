package directory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntrant_UnmarshalBareString(t *testing.T) {
	var e Entrant
	require.NoError(t, json.Unmarshal([]byte(`"0004568939"`), &e))

	assert.Equal(t, "0004568939", e.ID)
	assert.Empty(t, e.PlayerID)
	assert.Empty(t, e.Username)
}

func TestEntrant_UnmarshalObject(t *testing.T) {
	raw := `{"id":"1234567890AB","playerId":"0099887766","username":"alice"}`

	var e Entrant
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	assert.Equal(t, "1234567890AB", e.ID)
	assert.Equal(t, "0099887766", e.PlayerID)
	assert.Equal(t, "alice", e.Username)
}

func TestEntrant_UnmarshalMalformed(t *testing.T) {
	var e Entrant
	assert.Error(t, json.Unmarshal([]byte(`42`), &e))
}

func TestCommunity_DecodeMixedEntrants(t *testing.T) {
	raw := `{
		"name": "Transcore",
		"allowedUsers": [
			"0004568939",
			{"id": "1234567890AB", "username": "alice"}
		],
		"addresses": [
			{"street": "Harvey House", "people": [{"playerId": "555", "username": "bob"}]}
		]
	}`

	var c Community
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, "Transcore", c.Name)
	require.Len(t, c.AllowedUsers, 2)
	assert.Equal(t, "0004568939", c.AllowedUsers[0].ID)
	assert.Equal(t, "alice", c.AllowedUsers[1].Username)

	require.Len(t, c.Addresses, 1)
	assert.Equal(t, "Harvey House", c.Addresses[0].Street)
	require.Len(t, c.Addresses[0].People, 1)
	assert.Equal(t, "bob", c.Addresses[0].People[0].Username)
}
