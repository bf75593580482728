// Package audio mirrors participants' audio producers into a local decode
// point and feeds voice-activity gated utterances to speech-to-text.
package audio

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceGateway/internal/audio/vad"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/stt"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OutputRate is the rate of PCM handed to the VAD and STT.
const OutputRate = 16000

// maxFrameSamples covers a 120 ms Opus frame at 48 kHz stereo.
const maxFrameSamples = 5760 * 2

type Decoder interface {
	Decode(payload []byte, pcm []int16) (int, error)
	Close() error
}

type DecoderFactory func(sampleRate, channels int) (Decoder, error)

type ClassifierFactory func() (vad.Classifier, error)

type Transcriber interface {
	StreamStart(ctx context.Context, roomID, participantID string, sampleRate, channels int) error
	Transcribe(ctx context.Context, participantID string, pcm []byte, sampleRate, channels int) (stt.Result, error)
	StreamEnd(ctx context.Context, participantID string) error
}

type Config struct {
	// DecodeRate and Channels configure the decoder; output is always
	// 16 kHz mono.
	DecodeRate    int
	Channels      int
	DrainInterval time.Duration
	// MinChunkBytes drops drained runs too short to be meaningful.
	MinChunkBytes int
	ListenIP      string
	VAD           vad.Config
}

func DefaultConfig() Config {
	return Config{
		DecodeRate:    48000,
		Channels:      1,
		DrainInterval: 100 * time.Millisecond,
		MinChunkBytes: 160,
		ListenIP:      "127.0.0.1",
		VAD:           vad.DefaultConfig(),
	}
}

type stream struct {
	roomID domain.RoomID
	pid    domain.ParticipantID
	logger zerolog.Logger

	transport core.PlainTransport
	consumer  core.Consumer
	conn      *net.UDPConn
	dec       Decoder
	readDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	bufMu sync.Mutex
	raw   []byte

	vadMu sync.Mutex
	seg   *vad.Segmenter // nil: fail open

	seq atomic.Uint64
}

type Tap struct {
	cfg           Config
	newDecoder    DecoderFactory
	newClassifier ClassifierFactory
	stt           Transcriber
	sink          Sink

	mu      sync.Mutex
	streams map[domain.ParticipantID]*stream

	captionErrors atomic.Uint64
	transcripts   atomic.Uint64

	quit     chan struct{}
	stopOnce sync.Once
	drainWG  sync.WaitGroup
	inflight sync.WaitGroup
}

func New(cfg Config, dec DecoderFactory, cls ClassifierFactory, transcriber Transcriber, sink Sink) *Tap {
	if cfg.DecodeRate == 0 {
		cfg.DecodeRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 100 * time.Millisecond
	}
	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}
	t := &Tap{
		cfg:           cfg,
		newDecoder:    dec,
		newClassifier: cls,
		stt:           transcriber,
		sink:          sink,
		streams:       make(map[domain.ParticipantID]*stream),
		quit:          make(chan struct{}),
	}
	t.drainWG.Add(1)
	go t.drainLoop()
	return t
}

// Start begins tapping an audio producer. A second Start for the same
// participant is ignored.
func (t *Tap) Start(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, producer core.Producer, router core.Router) error {
	logger := log.With().
		Str("module", "audio").
		Str("room_id", string(roomID)).
		Str("participant_id", string(pid)).
		Str("producer_id", string(producer.ID())).
		Logger()

	if producer.Kind() != domain.KindAudio {
		return domain.ErrInvalidInput.WithMessage("audio tap needs an audio producer")
	}
	select {
	case <-t.quit:
		return errors.New("audio: tap shut down")
	default:
	}
	t.mu.Lock()
	_, exists := t.streams[pid]
	t.mu.Unlock()
	if exists {
		logger.Warn().Msg("audio tap already active")
		return nil
	}

	st, err := t.open(ctx, roomID, pid, producer, router, logger)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, exists := t.streams[pid]; exists {
		t.mu.Unlock()
		// read never ran for this stream.
		close(st.readDone)
		t.release(st)
		logger.Warn().Msg("audio tap already active")
		return nil
	}
	t.streams[pid] = st
	t.mu.Unlock()

	go st.read(t.cfg)
	st.consumer.OnClose(func(reason core.CloseReason) {
		if reason != core.CloseExplicit {
			go t.stopStream(st)
		}
	})

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), stt.StreamStartTimeout)
		defer cancel()
		if err := t.stt.StreamStart(nctx, string(roomID), string(pid), OutputRate, 1); err != nil {
			logger.Warn().Err(err).Msg("stt stream-start failed")
		}
	}()
	logger.Info().Str("relay", st.conn.LocalAddr().String()).Msg("audio tap started")
	return nil
}

func (t *Tap) open(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, producer core.Producer, router core.Router, logger zerolog.Logger) (*stream, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(t.cfg.ListenIP), Port: 0})
	if err != nil {
		return nil, err
	}
	st := &stream{roomID: roomID, pid: pid, logger: logger, conn: conn, readDone: make(chan struct{})}
	st.ctx, st.cancel = context.WithCancel(context.Background())

	fail := func(err error) (*stream, error) {
		close(st.readDone)
		t.release(st)
		return nil, err
	}

	st.transport, err = router.CreatePlainTransport(ctx)
	if err != nil {
		return fail(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	if err := st.transport.Connect(ctx, t.cfg.ListenIP, port); err != nil {
		return fail(err)
	}
	st.consumer, err = st.transport.Consume(ctx, producer.ID(), router.RtpCapabilities(), false)
	if err != nil {
		return fail(err)
	}
	st.dec, err = t.newDecoder(t.cfg.DecodeRate, t.cfg.Channels)
	if err != nil {
		return fail(err)
	}
	if t.newClassifier != nil {
		cls, err := t.newClassifier()
		if err == nil {
			st.seg, err = vad.NewSegmenter(cls, t.cfg.VAD)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("vad unavailable, every chunk is an utterance")
			if cls != nil {
				_ = cls.Close()
			}
			st.seg = nil
		}
	}
	return st, nil
}

// read pulls RTP from the relay socket until it is closed.
func (st *stream) read(cfg Config) {
	defer close(st.readDone)
	buf := make([]byte, 1500)
	pcm := make([]int16, maxFrameSamples)
	factor := max(cfg.DecodeRate/OutputRate, 1)
	var pkt rtp.Packet
	for {
		n, err := st.conn.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			st.logger.Debug().Err(err).Msg("bad rtp packet")
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		samples, err := st.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			st.logger.Debug().Err(err).Msg("decode failed")
			continue
		}
		mono := Downmix(pcm[:samples*cfg.Channels], cfg.Channels)
		out := Decimate(mono, factor)
		st.bufMu.Lock()
		st.raw = AppendPCM16(st.raw, out)
		st.bufMu.Unlock()
	}
}

// take swaps the raw buffer out so packets arriving meanwhile land in a new one.
func (st *stream) take() []byte {
	st.bufMu.Lock()
	defer st.bufMu.Unlock()
	b := st.raw
	st.raw = nil
	return b
}

func (t *Tap) drainLoop() {
	defer t.drainWG.Done()
	ticker := time.NewTicker(t.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			t.drain()
		}
	}
}

func (t *Tap) drain() {
	t.mu.Lock()
	streams := make([]*stream, 0, len(t.streams))
	for _, st := range t.streams {
		streams = append(streams, st)
	}
	t.mu.Unlock()
	for _, st := range streams {
		chunk := st.take()
		if len(chunk) < t.cfg.MinChunkBytes {
			continue
		}
		for _, utt := range t.segment(st, chunk) {
			seq := st.seq.Add(1)
			t.inflight.Add(1)
			go t.transcribe(st, seq, utt)
		}
	}
}

func (t *Tap) segment(st *stream, chunk []byte) [][]byte {
	st.vadMu.Lock()
	defer st.vadMu.Unlock()
	if st.ctx.Err() != nil {
		return nil
	}
	if st.seg == nil {
		return [][]byte{chunk}
	}
	res, err := st.seg.Process(chunk)
	if err != nil {
		st.logger.Warn().Err(err).Msg("vad failed, passing chunk through")
		return [][]byte{chunk}
	}
	return res.Utterances
}

func (t *Tap) transcribe(st *stream, seq uint64, pcm []byte) {
	defer t.inflight.Done()
	ctx, cancel := context.WithTimeout(st.ctx, stt.TranscribeTimeout)
	defer cancel()
	res, err := t.stt.Transcribe(ctx, string(st.pid), pcm, OutputRate, 1)
	if st.ctx.Err() != nil {
		// Tap stopped while the call was outstanding.
		return
	}
	if err != nil {
		t.captionErrors.Add(1)
		st.logger.Warn().Err(err).Uint64("seq", seq).Msg("caption error")
		if t.sink != nil {
			t.sink.OnCaptionError(CaptionError{
				RoomID: st.roomID, ParticipantID: st.pid, Seq: seq, Err: err, Timestamp: time.Now().UnixMilli(),
			})
		}
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	t.transcripts.Add(1)
	if t.sink != nil {
		t.sink.OnTranscription(Transcription{
			RoomID:        st.roomID,
			ParticipantID: st.pid,
			Seq:           seq,
			Text:          text,
			Language:      res.Language,
			Confidence:    res.Confidence,
			Timestamp:     time.Now().UnixMilli(),
			IsFinal:       res.IsFinal,
		})
	}
}

// Stop ends the tap of a participant. Unknown participants are a no-op.
func (t *Tap) Stop(pid domain.ParticipantID) {
	t.mu.Lock()
	st, ok := t.streams[pid]
	t.mu.Unlock()
	if ok {
		t.stopStream(st)
	}
}

func (t *Tap) stopStream(st *stream) {
	t.mu.Lock()
	if cur, ok := t.streams[st.pid]; !ok || cur != st {
		t.mu.Unlock()
		return
	}
	delete(t.streams, st.pid)
	t.mu.Unlock()

	t.release(st)
	st.logger.Info().Msg("audio tap stopped")

	pid := string(st.pid)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stt.StreamEndTimeout)
		defer cancel()
		if err := t.stt.StreamEnd(ctx, pid); err != nil {
			st.logger.Warn().Err(err).Msg("stt stream-end failed")
		}
	}()
}

// release closes the relay, waits for the reader, then frees decoder and VAD.
func (t *Tap) release(st *stream) {
	st.cancel()
	if st.consumer != nil {
		st.consumer.Close()
	}
	if st.transport != nil {
		st.transport.Close()
	}
	_ = st.conn.Close()
	<-st.readDone
	if st.dec != nil {
		_ = st.dec.Close()
	}
	st.vadMu.Lock()
	if st.seg != nil {
		_ = st.seg.Close()
		st.seg = nil
	}
	st.vadMu.Unlock()
	st.bufMu.Lock()
	st.raw = nil
	st.bufMu.Unlock()
}

// Active reports whether a participant is being tapped.
func (t *Tap) Active(pid domain.ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[pid]
	return ok
}

func (t *Tap) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *Tap) CaptionErrors() uint64 { return t.captionErrors.Load() }

// Shutdown stops the drain timer, then every stream.
func (t *Tap) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.quit)
		t.drainWG.Wait()
		t.mu.Lock()
		streams := make([]*stream, 0, len(t.streams))
		for _, st := range t.streams {
			streams = append(streams, st)
		}
		t.mu.Unlock()
		for _, st := range streams {
			t.stopStream(st)
		}
		t.inflight.Wait()
	})
}
