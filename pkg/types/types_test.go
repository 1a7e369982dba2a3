package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownKind(t *testing.T) {
	for _, k := range KnownKinds {
		got, ok := KnownKind(string(k))
		require.True(t, ok, "kind %s should resolve", k)
		assert.Equal(t, k, got)
	}

	_, ok := KnownKind("definitely_not_a_kind")
	assert.False(t, ok)

	_, ok = KnownKind("")
	assert.False(t, ok)
}

func TestPriorityOrderingAndParsing(t *testing.T) {
	// Urgent must sort before high before normal before low.
	assert.True(t, PriorityUrgent < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityLow)
	assert.Equal(t, 4, PriorityCount)

	assert.Equal(t, PriorityUrgent, ParsePriority("urgent"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	// Unknown names degrade to normal rather than erroring.
	assert.Equal(t, PriorityNormal, ParsePriority("critical"))
	assert.Equal(t, "high", PriorityHigh.String())
}

func TestStrategyValidation(t *testing.T) {
	for _, s := range []Strategy{StrategyBroadcast, StrategySession, StrategyGroup, StrategyUser, StrategyDirect} {
		assert.True(t, s.IsValid(), "strategy %s", s)
	}
	assert.False(t, Strategy("multicast").IsValid())

	assert.False(t, StrategyBroadcast.RequiresTarget())
	assert.True(t, StrategySession.RequiresTarget())
	assert.True(t, StrategyDirect.RequiresTarget())
}

func TestValidateFrame_Heartbeat(t *testing.T) {
	// Heartbeat and status require nothing beyond the type discriminator.
	assert.NoError(t, ValidateFrame(KindHeartbeat, map[string]any{}))
	assert.NoError(t, ValidateFrame(KindStatus, map[string]any{"extra": 1}))
}

func TestValidateFrame_ChatMessage(t *testing.T) {
	valid := map[string]any{
		"conversation_id":           "conv-1",
		"user_id":                   "user-1",
		"message":                   "hello",
		"enable_streaming":          true,
		"enable_memory_enhancement": false,
	}
	require.NoError(t, ValidateFrame(KindChatMessage, valid))

	missing := map[string]any{"conversation_id": "conv-1", "user_id": "user-1"}
	err := ValidateFrame(KindChatMessage, missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingField)

	mistyped := map[string]any{
		"conversation_id":           "conv-1",
		"user_id":                   "user-1",
		"message":                   "hello",
		"enable_streaming":          "yes",
		"enable_memory_enhancement": false,
	}
	assert.ErrorIs(t, ValidateFrame(KindChatMessage, mistyped), ErrInvalidField)
}

func TestValidateFrame_SkillExecution(t *testing.T) {
	valid := map[string]any{
		"skill_id":   "summarize",
		"user_id":    "user-1",
		"parameters": map[string]any{"depth": 2},
	}
	require.NoError(t, ValidateFrame(KindSkillExecution, valid))

	badParams := map[string]any{
		"skill_id":   "summarize",
		"user_id":    "user-1",
		"parameters": []any{"not", "an", "object"},
	}
	assert.ErrorIs(t, ValidateFrame(KindSkillExecution, badParams), ErrInvalidField)
}

func TestValidateFrame_Subscribe(t *testing.T) {
	require.NoError(t, ValidateFrame(KindSubscribe, map[string]any{
		"channels": []any{"team-x", "announcements"},
	}))

	assert.ErrorIs(t, ValidateFrame(KindSubscribe, map[string]any{}), ErrMissingField)
	assert.ErrorIs(t, ValidateFrame(KindUnsubscribe, map[string]any{
		"channels": "team-x",
	}), ErrInvalidField)
	assert.ErrorIs(t, ValidateFrame(KindSubscribe, map[string]any{
		"channels": []any{"team-x", 7},
	}), ErrInvalidField)
}

func TestValidateFrame_SessionLifecycle(t *testing.T) {
	require.NoError(t, ValidateFrame(KindSessionCreate, map[string]any{
		"user_id":      "user-1",
		"session_type": "chat",
	}))
	require.NoError(t, ValidateFrame(KindSessionCreate, map[string]any{
		"user_id":      "user-1",
		"session_type": "skill",
		"metadata":     map[string]any{"title": "t"},
	}))

	assert.ErrorIs(t, ValidateFrame(KindSessionCreate, map[string]any{
		"user_id":      "user-1",
		"session_type": "telepathy",
	}), ErrInvalidSessionType)

	assert.ErrorIs(t, ValidateFrame(KindSessionCreate, map[string]any{
		"user_id":      "user-1",
		"session_type": "chat",
		"metadata":     "not-an-object",
	}), ErrInvalidField)

	for _, kind := range []MessageKind{KindSessionJoin, KindSessionLeave, KindSessionClose} {
		require.NoError(t, ValidateFrame(kind, map[string]any{"session_id": "s-1"}), "kind %s", kind)
		assert.ErrorIs(t, ValidateFrame(kind, map[string]any{}), ErrMissingField, "kind %s", kind)
	}
}

func TestSessionConnectionIDs(t *testing.T) {
	s := &Session{Connections: map[string]struct{}{"a": {}, "b": {}}}
	ids := s.ConnectionIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	// Mutating the returned slice must not affect the session.
	ids = ids[:0]
	assert.Len(t, s.Connections, 2)
}
