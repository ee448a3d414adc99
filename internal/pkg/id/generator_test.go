package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleID_IsPrefixedUUID(t *testing.T) {
	got := CycleID()
	require.True(t, strings.HasPrefix(got, "cycle-"))
	_, err := uuid.Parse(strings.TrimPrefix(got, "cycle-"))
	assert.NoError(t, err)
	assert.NotEqual(t, got, CycleID())
}

func TestSessionID_IsPrefixedUUID(t *testing.T) {
	got := SessionID()
	require.True(t, strings.HasPrefix(got, "sess-"))
	_, err := uuid.Parse(strings.TrimPrefix(got, "sess-"))
	assert.NoError(t, err)
}
