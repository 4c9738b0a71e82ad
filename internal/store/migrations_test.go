package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrdered(t *testing.T) {
	ms, err := migrations()
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "001_audit_logs.sql", ms[0].name)
	assert.Equal(t, "002_alert_events.sql", ms[1].name)
	for _, m := range ms {
		assert.Contains(t, m.sql, "IF NOT EXISTS")
	}
}
