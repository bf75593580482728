// Package captions turns tap transcriptions into room pushes and translates
// final captions into the languages participants asked for.
package captions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/audio"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const StatusASRUnavailable = "asr_unavailable"

type Roster interface {
	Languages(roomID domain.RoomID) (map[domain.ParticipantID]domain.Languages, error)
}

// RosterFunc adapts a function to Roster.
type RosterFunc func(roomID domain.RoomID) (map[domain.ParticipantID]domain.Languages, error)

func (f RosterFunc) Languages(roomID domain.RoomID) (map[domain.ParticipantID]domain.Languages, error) {
	return f(roomID)
}

type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

type GatewayCaption struct {
	RoomID    domain.RoomID        `json:"roomId"`
	SpeakerID domain.ParticipantID `json:"speakerId"`
	Seq       uint64               `json:"seq"`
	// UtteranceSeq is the order in which the audio was spoken; Seq is the
	// order in which captions were delivered.
	UtteranceSeq uint64 `json:"utteranceSeq"`
	Text         string `json:"text"`
	Language     string `json:"language"`
	IsFinal      bool   `json:"isFinal"`
	Timestamp    int64  `json:"timestamp"`
}

type TranscriptionPush struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Text          string               `json:"text"`
	Language      string               `json:"language"`
	Confidence    float64              `json:"confidence"`
	IsFinal       bool                 `json:"isFinal"`
	Seq           uint64               `json:"seq"`
	Timestamp     int64                `json:"timestamp"`
}

type TranslationPush struct {
	ParticipantID  domain.ParticipantID `json:"participantId"`
	OriginalText   string               `json:"originalText"`
	TranslatedText string               `json:"translatedText"`
	SourceLanguage string               `json:"sourceLanguage"`
	TargetLanguage string               `json:"targetLanguage"`
	IsFinal        bool                 `json:"isFinal"`
	Timestamp      int64                `json:"timestamp"`
}

type CaptionStatus struct {
	RoomID    domain.RoomID `json:"roomId"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

type speakerKey struct {
	room domain.RoomID
	pid  domain.ParticipantID
}

// Fanout implements audio.Sink.
type Fanout struct {
	roster     Roster
	notifier   core.Notifier
	translator Translator // nil disables translation

	mu  sync.Mutex
	seq map[speakerKey]uint64
}

var _ audio.Sink = (*Fanout)(nil)

func New(roster Roster, notifier core.Notifier, translator Translator) *Fanout {
	return &Fanout{
		roster:     roster,
		notifier:   notifier,
		translator: translator,
		seq:        make(map[speakerKey]uint64),
	}
}

// next assigns the caption sequence number and forgets speakers that are no
// longer in the room.
func (f *Fanout) next(room domain.RoomID, pid domain.ParticipantID, present map[domain.ParticipantID]domain.Languages) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune(room, present)
	k := speakerKey{room, pid}
	f.seq[k]++
	return f.seq[k]
}

func (f *Fanout) forgetRoom(room domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.seq {
		if k.room == room {
			delete(f.seq, k)
		}
	}
}

func (f *Fanout) OnTranscription(tr audio.Transcription) {
	logger := log.With().
		Str("module", "captions").
		Str("room_id", string(tr.RoomID)).
		Str("participant_id", string(tr.ParticipantID)).
		Logger()

	langs, err := f.roster.Languages(tr.RoomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			f.forgetRoom(tr.RoomID)
		}
		logger.Debug().Err(err).Msg("caption for a closed room dropped")
		return
	}
	speaker, ok := langs[tr.ParticipantID]
	if !ok {
		logger.Debug().Msg("caption for a departed speaker dropped")
		f.mu.Lock()
		f.prune(tr.RoomID, langs)
		f.mu.Unlock()
		return
	}
	source := tr.Language
	if source == "" {
		source = speaker.Source
	}

	seq := f.next(tr.RoomID, tr.ParticipantID, langs)
	f.notifier.NotifyRoom(tr.RoomID, "", core.Push{Type: core.PushGatewayCaption, Data: GatewayCaption{
		RoomID:       tr.RoomID,
		SpeakerID:    tr.ParticipantID,
		Seq:          seq,
		UtteranceSeq: tr.Seq,
		Text:         tr.Text,
		Language:     source,
		IsFinal:      tr.IsFinal,
		Timestamp:    tr.Timestamp,
	}})
	f.notifier.NotifyRoom(tr.RoomID, "", core.Push{Type: core.PushTranscription, Data: TranscriptionPush{
		ParticipantID: tr.ParticipantID,
		Text:          tr.Text,
		Language:      source,
		Confidence:    tr.Confidence,
		IsFinal:       tr.IsFinal,
		Seq:           tr.Seq,
		Timestamp:     tr.Timestamp,
	}})

	if f.translator == nil || !tr.IsFinal || tr.Text == "" {
		return
	}
	f.translate(tr, source, targets(langs, tr.ParticipantID, source))
}

// prune must be called with f.mu held.
func (f *Fanout) prune(room domain.RoomID, present map[domain.ParticipantID]domain.Languages) {
	for k := range f.seq {
		if k.room != room {
			continue
		}
		if _, ok := present[k.pid]; !ok {
			delete(f.seq, k)
		}
	}
}

// targets lists the distinct target languages of the other participants
// that differ from the spoken language.
func targets(langs map[domain.ParticipantID]domain.Languages, speaker domain.ParticipantID, source string) []string {
	seen := make(map[string]struct{})
	var out []string
	for pid, l := range langs {
		if pid == speaker || l.Target == "" || l.Target == source {
			continue
		}
		if _, dup := seen[l.Target]; dup {
			continue
		}
		seen[l.Target] = struct{}{}
		out = append(out, l.Target)
	}
	return out
}

func (f *Fanout) translate(tr audio.Transcription, source string, langs []string) {
	var g errgroup.Group
	for _, target := range langs {
		g.Go(func() error {
			text, err := f.translator.Translate(context.Background(), tr.Text, source, target)
			if err != nil {
				log.Warn().Err(err).
					Str("module", "captions").
					Str("room_id", string(tr.RoomID)).
					Str("target", target).
					Msg("translation failed")
				return nil
			}
			f.notifier.NotifyRoom(tr.RoomID, "", core.Push{Type: core.PushTranslation, Data: TranslationPush{
				ParticipantID:  tr.ParticipantID,
				OriginalText:   tr.Text,
				TranslatedText: text,
				SourceLanguage: source,
				TargetLanguage: target,
				IsFinal:        tr.IsFinal,
				Timestamp:      time.Now().UnixMilli(),
			}})
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Fanout) OnCaptionError(ce audio.CaptionError) {
	msg := ""
	if ce.Err != nil {
		msg = ce.Err.Error()
	}
	f.notifier.NotifyRoom(ce.RoomID, "", core.Push{Type: core.PushCaptionStatus, Data: CaptionStatus{
		RoomID:    ce.RoomID,
		Status:    StatusASRUnavailable,
		Error:     msg,
		Timestamp: ce.Timestamp,
	}})
}
