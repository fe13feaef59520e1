package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1234"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1234", cursor.ID)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []int{5, 4, 3}
	trimmed, info := BuildCursorPageInfo(rows, 2, func(v int) string { return "c" })
	assert.Len(t, trimmed, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, "c", info.NextPageToken)

	trimmed, info = BuildCursorPageInfo(rows, 3, func(v int) string { return "c" })
	assert.Len(t, trimmed, 3)
	assert.False(t, info.HasMore)
}

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
}
