package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantIDOrdering(t *testing.T) {
	lo, err := ParseParticipantID("00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	hi, err := ParseParticipantID("ff000000-0000-0000-0000-000000000000")
	require.NoError(t, err)

	assert.Equal(t, -1, lo.Compare(hi))
	assert.Equal(t, 1, hi.Compare(lo))
	assert.Zero(t, lo.Compare(lo))

	assert.True(t, LinkKey{Local: hi, Remote: lo}.LocalWinsGlare())
	assert.False(t, LinkKey{Local: lo, Remote: hi}.LocalWinsGlare())
	assert.False(t, LinkKey{Local: lo, Remote: lo}.LocalWinsGlare())
}

func TestParticipantIDText(t *testing.T) {
	id := NewParticipantID()
	data, err := json.Marshal(id)
	require.NoError(t, err)

	var got ParticipantID
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, id, got)

	require.NoError(t, json.Unmarshal([]byte(`""`), &got))
	assert.True(t, got.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &got))
	_, err = ParseParticipantID("nope")
	assert.Error(t, err)
}

func TestRoomIDValidate(t *testing.T) {
	for _, ok := range []RoomID{"r1", "team_sync-2", "a"} {
		assert.NoError(t, ok.Validate(), ok)
	}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	for _, bad := range []RoomID{"", "a b", "ünï", RoomID(long)} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidRoomID, bad)
	}
}

func TestFileIDParse(t *testing.T) {
	id := NewFileID()
	got, err := ParseFileID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
