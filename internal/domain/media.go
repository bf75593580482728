package domain

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// RtpCodecCapability describes a codec a router supports or an endpoint can receive.
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

type RtpHeaderExtension struct {
	Kind MediaKind `json:"kind"`
	URI  string    `json:"uri"`
	ID   int       `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType    string         `json:"mimeType"`
	PayloadType uint8          `json:"payloadType"`
	ClockRate   uint32         `json:"clockRate"`
	Channels    uint16         `json:"channels,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportParams is what a browser needs to connect to a WebRTC transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// ConnectParams carries the remote side of a WebRTC transport. Ice fields are
// optional; some clients only send DTLS parameters.
type ConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}
