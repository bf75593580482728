package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	MimeTypeOpus = "audio/opus"
	MimeTypeVP8  = "video/VP8"
	MimeTypeVP9  = "video/VP9"
	MimeTypeH264 = "video/H264"
	MimeTypeRTX  = "video/rtx"
)

const firstDynamicPayloadType = 100

// DefaultMediaCodecs is the fixed codec set every room router is created with:
// one audio codec and several video codecs in fallback preference order.
func DefaultMediaCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{Kind: KindAudio, MimeType: MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: KindVideo, MimeType: MimeTypeVP8, ClockRate: 90000,
			Parameters: map[string]any{"x-google-start-bitrate": 1000}},
		{Kind: KindVideo, MimeType: MimeTypeVP9, ClockRate: 90000,
			Parameters: map[string]any{"profile-id": 2, "x-google-start-bitrate": 1000}},
		{Kind: KindVideo, MimeType: MimeTypeH264, ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			}},
		{Kind: KindVideo, MimeType: MimeTypeH264, ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			}},
	}
}

// BuildCapabilities assigns payload types to a codec set, keeping explicit
// preferred payload types when present.
func BuildCapabilities(codecs []RtpCodecCapability) RtpCapabilities {
	caps := RtpCapabilities{Codecs: make([]RtpCodecCapability, 0, len(codecs))}
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	caps.HeaderExtensions = []RtpHeaderExtension{
		{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
		{Kind: KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
		{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ID: 10},
	}
	return caps
}

// PrimaryCodec returns the first media codec of the parameters, skipping RTX.
func (p RtpParameters) PrimaryCodec() (RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if strings.EqualFold(c.MimeType, MimeTypeRTX) {
			continue
		}
		return c, true
	}
	return RtpCodecParameters{}, false
}

// KindOfMime derives the media kind from a mime type such as "audio/opus".
func KindOfMime(mime string) MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return MediaKind(kind)
}

// FindCodec returns the capability matching the codec parameters.
func (c RtpCapabilities) FindCodec(codec RtpCodecParameters) (RtpCodecCapability, bool) {
	for _, cc := range c.Codecs {
		if codecMatches(cc, codec) {
			return cc, true
		}
	}
	return RtpCodecCapability{}, false
}

// CanConsume reports whether an endpoint with caps can receive a producer
// sending with params.
func CanConsume(params RtpParameters, caps RtpCapabilities) bool {
	codec, ok := params.PrimaryCodec()
	if !ok {
		return false
	}
	_, ok = caps.FindCodec(codec)
	return ok
}

func codecMatches(cc RtpCodecCapability, codec RtpCodecParameters) bool {
	if !strings.EqualFold(cc.MimeType, codec.MimeType) || cc.ClockRate != codec.ClockRate {
		return false
	}
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(MimeTypeOpus):
		return channelsOrDefault(cc.Channels) == channelsOrDefault(codec.Channels)
	case strings.ToLower(MimeTypeH264):
		if ParamString(cc.Parameters, "packetization-mode", "0") != ParamString(codec.Parameters, "packetization-mode", "0") {
			return false
		}
		return h264Profile(cc.Parameters) == h264Profile(codec.Parameters)
	case strings.ToLower(MimeTypeVP9):
		return ParamString(cc.Parameters, "profile-id", "0") == ParamString(codec.Parameters, "profile-id", "0")
	}
	return true
}

func channelsOrDefault(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

// h264Profile returns profile_idc, the first byte of profile-level-id.
func h264Profile(params map[string]any) string {
	id := strings.ToLower(ParamString(params, "profile-level-id", "42001f"))
	if len(id) < 2 {
		return id
	}
	return id[:2]
}

// ParamString renders a codec parameter as a string. JSON numbers arrive as
// float64, literals in Go code as int.
func ParamString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

// FmtpLine renders codec parameters as an SDP fmtp line with stable key order.
func FmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ParamString(params, k, ""))
	}
	return strings.Join(parts, ";")
}
