package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKindValid(t *testing.T) {
	for _, k := range []MessageKind{KindRequest, KindResponse, KindRegister, KindHeartbeat, KindError} {
		assert.True(t, k.Valid(), "%s", k)
	}
	assert.False(t, MessageKind(0x00).Valid())
	assert.False(t, MessageKind(0x06).Valid())
	assert.False(t, MessageKind(0xff).Valid())
}

func TestMessageKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "unknown(0x3f)", MessageKind(0x3f).String())
}

func TestMetadataValue(t *testing.T) {
	msg := Message{Metadata: map[string]string{MetaClientID: "cli-1", MetaPriority: ""}}

	assert.Equal(t, "cli-1", msg.MetadataValue(MetaClientID, "anon"))
	assert.Equal(t, "normal", msg.MetadataValue(MetaPriority, "normal"), "empty value falls back")
	assert.Equal(t, "def", msg.MetadataValue("absent", "def"))

	var empty Message
	assert.Equal(t, "def", empty.MetadataValue(MetaClientID, "def"))
}

func TestRegistrationRoundTrip(t *testing.T) {
	reg := Registration{
		Name: "worker-a",
		Capabilities: []Capability{
			{Name: "echo", Description: "echoes", Version: "1.0.0"},
			{Name: "reverse", Metadata: map[string]string{"lang": "any"}},
		},
	}

	payload, err := EncodeRegistration(reg)
	require.NoError(t, err)

	decoded, err := DecodeRegistration(payload)
	require.NoError(t, err)
	assert.Equal(t, reg, decoded)
}

func TestDecodeRegistrationRejectsBadPayloads(t *testing.T) {
	_, err := DecodeRegistration([]byte("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	_, err = DecodeRegistration([]byte(`{"capabilities":[]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistration, "missing name must be rejected")
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	original := NewDomainError("Executor", ErrUpstreamThrottle, "429 from upstream")

	payload := EncodeErrorPayload(original)
	decoded := DecodeErrorPayload(payload)

	require.Error(t, decoded)
	assert.ErrorIs(t, decoded, ErrUpstreamThrottle)
	assert.ErrorIs(t, decoded, ErrExecutorFailure)
	assert.Contains(t, decoded.Error(), "429 from upstream")
}

func TestDecodeErrorPayloadUnknownCode(t *testing.T) {
	decoded := DecodeErrorPayload([]byte(`{"code":"SOMETHING_NEW","message":"future error"}`))
	require.Error(t, decoded)
	assert.ErrorIs(t, decoded, ErrExecutorFailure)
	assert.Contains(t, decoded.Error(), "future error")
}

func TestDecodeErrorPayloadGarbage(t *testing.T) {
	decoded := DecodeErrorPayload([]byte("total garbage"))
	require.Error(t, decoded)
	assert.ErrorIs(t, decoded, ErrExecutorFailure)
}
