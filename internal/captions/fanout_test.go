package captions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/dkeye/VoiceGateway/internal/audio"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRoster map[domain.RoomID]map[domain.ParticipantID]domain.Languages

func (s staticRoster) Languages(room domain.RoomID) (map[domain.ParticipantID]domain.Languages, error) {
	l, ok := s[room]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return l, nil
}

type pushLog struct {
	mu     sync.Mutex
	pushes []core.Push
}

func (p *pushLog) NotifyRoom(_ domain.RoomID, _ domain.ParticipantID, push core.Push) {
	p.mu.Lock()
	p.pushes = append(p.pushes, push)
	p.mu.Unlock()
}

func (p *pushLog) NotifyParticipant(domain.RoomID, domain.ParticipantID, core.Push) {}

func (p *pushLog) ofType(typ string) []core.Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []core.Push
	for _, push := range p.pushes {
		if push.Type == typ {
			out = append(out, push)
		}
	}
	return out
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (t *fakeTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, source+">"+target)
	t.mu.Unlock()
	if target == t.fail {
		return "", errors.New("unavailable")
	}
	return text + "@" + target, nil
}

func roster() staticRoster {
	return staticRoster{"r1": {
		"alice": {Source: "en", Target: "en"},
		"bob":   {Source: "de", Target: "de"},
		"carol": {Source: "fr", Target: "de"},
		"dave":  {Source: "es", Target: "es"},
		"erin":  {Source: "en", Target: ""},
	}}
}

func TestFanout_BroadcastsCaptionsWithSequence(t *testing.T) {
	pushes := &pushLog{}
	f := New(roster(), pushes, nil)

	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "alice", Seq: 2, Text: "hi", IsFinal: true})
	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "alice", Seq: 1, Text: "hello", Language: "en"})

	captions := pushes.ofType(core.PushGatewayCaption)
	require.Len(t, captions, 2)
	first := captions[0].Data.(GatewayCaption)
	second := captions[1].Data.(GatewayCaption)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), first.UtteranceSeq)
	assert.Equal(t, "en", first.Language, "falls back to the speaker's language")
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, domain.ParticipantID("alice"), second.SpeakerID)

	assert.Len(t, pushes.ofType(core.PushTranscription), 2)
	assert.Empty(t, pushes.ofType(core.PushTranslation))
}

func TestFanout_TranslatesOncePerTargetLanguage(t *testing.T) {
	pushes := &pushLog{}
	tr := &fakeTranslator{fail: "es"}
	f := New(roster(), pushes, tr)

	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "alice", Seq: 1, Text: "hello", Language: "en", IsFinal: true})

	sort.Strings(tr.calls)
	assert.Equal(t, []string{"en>de", "en>es"}, tr.calls)
	translations := pushes.ofType(core.PushTranslation)
	require.Len(t, translations, 1)
	got := translations[0].Data.(TranslationPush)
	assert.Equal(t, "hello@de", got.TranslatedText)
	assert.Equal(t, "en", got.SourceLanguage)
	assert.Equal(t, "de", got.TargetLanguage)
}

func TestFanout_SkipsTranslationForInterimResults(t *testing.T) {
	tr := &fakeTranslator{}
	f := New(roster(), &pushLog{}, tr)
	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "alice", Text: "hel", Language: "en"})
	assert.Empty(t, tr.calls)
}

func TestFanout_DropsCaptionsForGoneRoomsAndSpeakers(t *testing.T) {
	pushes := &pushLog{}
	f := New(roster(), pushes, nil)

	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "alice", Text: "one"})
	f.OnTranscription(audio.Transcription{RoomID: "gone", ParticipantID: "alice", Text: "two"})
	f.OnTranscription(audio.Transcription{RoomID: "r1", ParticipantID: "zed", Text: "three"})

	assert.Len(t, pushes.ofType(core.PushGatewayCaption), 1)
	f.mu.Lock()
	assert.Len(t, f.seq, 1)
	f.mu.Unlock()
}

func TestFanout_CaptionErrorBecomesStatus(t *testing.T) {
	pushes := &pushLog{}
	f := New(roster(), pushes, nil)
	f.OnCaptionError(audio.CaptionError{RoomID: "r1", ParticipantID: "alice", Err: errors.New("refused"), Timestamp: 7})

	status := pushes.ofType(core.PushCaptionStatus)
	require.Len(t, status, 1)
	assert.Equal(t, CaptionStatus{RoomID: "r1", Status: StatusASRUnavailable, Error: "refused", Timestamp: 7}, status[0].Data)
}
