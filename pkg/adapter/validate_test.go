package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Accepts(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)

	ev, err := v.Parse([]byte(`{
		"source": "wearable",
		"type": "sync_completed",
		"user_id": "u1",
		"timestamp": "2026-03-01T09:00:00Z",
		"priority": "high",
		"schema_version": "1.4.2",
		"payload": {"recovery_score": 41}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "wearable", ev.Source)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, 2026, ev.Timestamp.Year())
	assert.JSONEq(t, `{"recovery_score": 41}`, string(ev.Payload))
}

func TestValidator_MissingVersionIsCurrent(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)

	_, err = v.Parse([]byte(`{"source":"chat","type":"message_sent","user_id":"u1"}`))
	assert.NoError(t, err)
}

func TestValidator_Rejects(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)

	cases := map[string]string{
		"not json":           `{`,
		"missing user":       `{"source":"chat","type":"message_sent"}`,
		"empty source":       `{"source":"","type":"message_sent","user_id":"u1"}`,
		"bad priority":       `{"source":"chat","type":"message_sent","user_id":"u1","priority":"urgent"}`,
		"bad timestamp":      `{"source":"chat","type":"message_sent","user_id":"u1","timestamp":"yesterday"}`,
		"unknown field":      `{"source":"chat","type":"message_sent","user_id":"u1","extra":1}`,
		"payload not object": `{"source":"chat","type":"message_sent","user_id":"u1","payload":[1]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse([]byte(body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestValidator_SchemaVersionRange(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)

	for _, ver := range []string{"2.0.0", "0.9.1", "banana"} {
		t.Run(ver, func(t *testing.T) {
			_, err := v.Parse([]byte(`{"source":"chat","type":"message_sent","user_id":"u1","schema_version":"` + ver + `"}`))
			assert.ErrorIs(t, err, ErrUnsupportedVersion)
		})
	}
}

func TestValidator_CustomRange(t *testing.T) {
	v, err := NewValidator("^2.1")
	require.NoError(t, err)

	_, err = v.Parse([]byte(`{"source":"chat","type":"message_sent","user_id":"u1","schema_version":"2.3.0"}`))
	assert.NoError(t, err)

	_, err = NewValidator("not a range")
	assert.Error(t, err)
}
