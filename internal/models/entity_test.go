package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUpdatedAtDropsSubMicrosecondDigits(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 123456789, time.FixedZone("BRT", -3*3600))
	e := Entity{}
	e.SetUpdatedAt(at)

	assert.Equal(t, "2026-03-02T13:00:00.123456Z", e[FieldUpdatedAt])
	got, err := e.UpdatedAt()
	require.NoError(t, err)
	assert.True(t, got.Equal(at.Truncate(time.Microsecond)))
}
