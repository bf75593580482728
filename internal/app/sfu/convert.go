package sfu

import (
	"strings"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func pionCapability(c domain.RtpCodecCapability) webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: domain.FmtpLine(c.Parameters),
	}
	if c.Kind == domain.KindVideo {
		capability.RTCPFeedback = []webrtc.RTCPFeedback{
			{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"},
		}
	}
	return capability
}

func pionIceCandidates(in []domain.IceCandidate) []webrtc.ICECandidate {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			continue
		}
		typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
		if err != nil {
			continue
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out
}

func domainIceCandidates(in []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return out
}

func pionDtlsParameters(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}

func domainDtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: "auto"}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}
