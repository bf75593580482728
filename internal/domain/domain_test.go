package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomID_Unguessable(t *testing.T) {
	seen := make(map[RoomID]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		require.True(t, strings.HasPrefix(string(id), "room_"))
		assert.Len(t, string(id), len("room_")+32)
		assert.False(t, seen[id], "duplicate room id")
		seen[id] = true
	}
}

func TestNormalizeName(t *testing.T) {
	name, err := NormalizeName("  Bob ")
	require.NoError(t, err)
	assert.Equal(t, "Bob", name)

	_, err = NormalizeName("   ")
	assert.ErrorIs(t, err, ErrNameEmpty)

	_, err = NormalizeName(strings.Repeat("x", MaxNameLen+1))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", ErrRoomNotFound.WithDetails("room_x"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.NotErrorIs(t, err, ErrParticipantNotFound)

	e := AsError(err)
	assert.Equal(t, "ERR_ROOM_NOT_FOUND", e.Code)
	assert.Equal(t, "room_x", e.Details)

	internal := AsError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, internal.Code)
	assert.Equal(t, "boom", internal.Details)
}

func TestBuildCapabilities_AssignsPayloadTypes(t *testing.T) {
	caps := BuildCapabilities(DefaultMediaCodecs())
	require.Len(t, caps.Codecs, 5)

	seen := make(map[uint8]bool)
	for _, c := range caps.Codecs {
		assert.GreaterOrEqual(t, c.PreferredPayloadType, uint8(100))
		assert.False(t, seen[c.PreferredPayloadType])
		seen[c.PreferredPayloadType] = true
	}
	assert.Equal(t, MimeTypeOpus, caps.Codecs[0].MimeType)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
}

func TestCanConsume(t *testing.T) {
	router := BuildCapabilities(DefaultMediaCodecs())

	opus := RtpParameters{Codecs: []RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}}}
	assert.True(t, CanConsume(opus, router))

	videoOnly := RtpCapabilities{Codecs: []RtpCodecCapability{{Kind: KindVideo, MimeType: MimeTypeVP8, ClockRate: 90000}}}
	assert.False(t, CanConsume(opus, videoOnly))

	h264 := RtpParameters{Codecs: []RtpCodecParameters{
		{MimeType: MimeTypeRTX, PayloadType: 97, ClockRate: 90000},
		{MimeType: "video/h264", PayloadType: 104, ClockRate: 90000, Parameters: map[string]any{
			"packetization-mode": float64(1), "profile-level-id": "42e01f",
		}},
	}}
	assert.True(t, CanConsume(h264, router))

	mode0 := RtpCapabilities{Codecs: []RtpCodecCapability{{Kind: KindVideo, MimeType: MimeTypeH264, ClockRate: 90000,
		Parameters: map[string]any{"profile-level-id": "42e01f"}}}}
	assert.False(t, CanConsume(h264, mode0))

	assert.False(t, CanConsume(RtpParameters{}, router))
}

func TestFmtpLine(t *testing.T) {
	line := FmtpLine(map[string]any{"profile-level-id": "42e01f", "packetization-mode": 1})
	assert.Equal(t, "packetization-mode=1;profile-level-id=42e01f", line)
}
