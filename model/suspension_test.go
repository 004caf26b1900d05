package model

import (
	"testing"
	"time"

	"github.com/flowd-io/flowd/flowerr"
	"github.com/stretchr/testify/require"
)

func TestSuspendedConversation(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test resume merges context":       testResumeMergesContext,
		"test resume is single use":        testResumeSingleUse,
		"test expired resume rejected":     testExpiredResume,
		"test cancel settled conversation": testCancelSettled,
		"test expiry is pure":              testExpiryPure,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

func testResumeMergesContext(t *testing.T) {
	c := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{Title: "approve"}, time.Minute,
		map[string]any{"amount": 120})

	next, err := c.Resumed(map[string]any{"approved": true}, time.Now())
	require.NoError(t, err)
	require.Equal(t, SUSPENSION_RESUMED, next.Status)

	// original and submitted data stay apart in the merged context
	original, ok := next.Context["originalContext"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 120, original["amount"])
	formData, ok := next.Context["formData"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, formData["approved"])

	require.NotEqual(t, c.ConversationId, next.ConversationId)
	require.Equal(t, c.ResumeToken, next.ResumeToken)
}

func testResumeSingleUse(t *testing.T) {
	c := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{}, 0, nil)
	next, err := c.Resumed(nil, time.Now())
	require.NoError(t, err)

	_, err = next.Resumed(nil, time.Now())
	require.Error(t, err)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_INVALID_STATE))
}

func testExpiredResume(t *testing.T) {
	c := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{}, time.Minute, nil)

	// the caller's clock value decides; the same resume can never be
	// valid at the check and expired at the transition
	_, err := c.Resumed(nil, c.ExpiresAt.Add(-time.Second))
	require.NoError(t, err)

	_, err = c.Resumed(nil, c.ExpiresAt.Add(time.Second))
	require.Error(t, err)
	require.True(t, flowerr.IsKind(err, flowerr.KIND_TIMEOUT))
}

func testCancelSettled(t *testing.T) {
	c := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{}, 0, nil)
	cancelled, err := c.Cancelled()
	require.NoError(t, err)
	require.Equal(t, SUSPENSION_CANCELLED, cancelled.Status)

	_, err = cancelled.Cancelled()
	require.True(t, flowerr.IsKind(err, flowerr.KIND_INVALID_STATE))
	_, err = cancelled.TimedOut()
	require.True(t, flowerr.IsKind(err, flowerr.KIND_INVALID_STATE))
}

func testExpiryPure(t *testing.T) {
	c := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{}, time.Hour, nil)
	require.False(t, c.IsExpired(time.Now()))
	require.True(t, c.IsExpired(time.Now().Add(2*time.Hour)))
	require.True(t, c.IsActive(time.Now()))
	require.False(t, c.IsActive(time.Now().Add(2*time.Hour)))

	forever := NewSuspendedConversation("flow-1", "def-1", FormDescriptor{}, 0, nil)
	require.False(t, forever.IsExpired(time.Now().Add(1000*time.Hour)))
}
