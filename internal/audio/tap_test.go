package audio

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceGateway/internal/app/sfu/sfutest"
	"github.com/dkeye/VoiceGateway/internal/audio/vad"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/stt"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder turns every payload into 20 ms of 48 kHz mono. The first
// payload byte selects the amplitude.
type fakeDecoder struct {
	mu     sync.Mutex
	closed bool
}

func (d *fakeDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	if payload[0] == 0xff {
		return 0, errors.New("corrupt")
	}
	amp := int16(payload[0]) * 100
	for i := range 960 {
		if i%2 == 0 {
			pcm[i] = amp
		} else {
			pcm[i] = -amp
		}
	}
	return 960, nil
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type fakeSTT struct {
	mu      sync.Mutex
	fail    error
	text    string
	starts  []string
	ends    []string
	lengths []int
}

func (s *fakeSTT) StreamStart(_ context.Context, _, pid string, _, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, pid)
	return s.fail
}

func (s *fakeSTT) Transcribe(_ context.Context, _ string, pcm []byte, rate, ch int) (stt.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate != OutputRate || ch != 1 {
		return stt.Result{}, errors.New("unexpected format")
	}
	s.lengths = append(s.lengths, len(pcm))
	if s.fail != nil {
		return stt.Result{}, s.fail
	}
	return stt.Result{Text: s.text, Language: "en", IsFinal: true}, nil
}

func (s *fakeSTT) StreamEnd(_ context.Context, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, pid)
	return s.fail
}

func (s *fakeSTT) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ends)
}

type recordingSink struct {
	mu     sync.Mutex
	texts  []Transcription
	errors []CaptionError
}

func (r *recordingSink) OnTranscription(tr Transcription) {
	r.mu.Lock()
	r.texts = append(r.texts, tr)
	r.mu.Unlock()
}

func (r *recordingSink) OnCaptionError(ce CaptionError) {
	r.mu.Lock()
	r.errors = append(r.errors, ce)
	r.mu.Unlock()
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts), len(r.errors)
}

// plainRecorder remembers the plain transport the tap creates.
type plainRecorder struct {
	core.Router
	mu    sync.Mutex
	plain *sfutest.PlainTransport
}

func (p *plainRecorder) CreatePlainTransport(ctx context.Context) (core.PlainTransport, error) {
	t, err := p.Router.CreatePlainTransport(ctx)
	if err == nil {
		p.mu.Lock()
		p.plain = t.(*sfutest.PlainTransport)
		p.mu.Unlock()
	}
	return t, err
}

// slowPlain holds CreatePlainTransport long enough for two Starts to overlap.
type slowPlain struct {
	core.Router
	delay time.Duration
}

func (s *slowPlain) CreatePlainTransport(ctx context.Context) (core.PlainTransport, error) {
	time.Sleep(s.delay)
	return s.Router.CreatePlainTransport(ctx)
}

type tapFixture struct {
	router   *plainRecorder
	producer core.Producer
	stt      *fakeSTT
	sink     *recordingSink
	dec      *fakeDecoder
	tap      *Tap
}

func newTapFixture(t *testing.T, cls ClassifierFactory) *tapFixture {
	t.Helper()
	ctx := context.Background()
	worker, err := sfutest.NewEngine().Factory()(ctx, 0)
	require.NoError(t, err)
	router, err := worker.CreateRouter(ctx, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	send, err := router.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	prod, err := send.Produce(ctx, domain.KindAudio, domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: domain.MimeTypeOpus, PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 42}},
	})
	require.NoError(t, err)

	f := &tapFixture{
		router:   &plainRecorder{Router: router},
		producer: prod,
		stt:      &fakeSTT{text: "hello"},
		sink:     &recordingSink{},
		dec:      &fakeDecoder{},
	}
	cfg := DefaultConfig()
	cfg.DrainInterval = 5 * time.Millisecond
	f.tap = New(cfg, func(rate, ch int) (Decoder, error) {
		if rate != 48000 || ch != 1 {
			return nil, errors.New("unexpected decoder format")
		}
		return f.dec, nil
	}, cls, f.stt, f.sink)
	t.Cleanup(f.tap.Shutdown)
	return f
}

func (f *tapFixture) start(t *testing.T) net.Conn {
	t.Helper()
	require.NoError(t, f.tap.Start(context.Background(), "room", "alice", f.producer, f.router))
	f.router.mu.Lock()
	remote := f.router.plain.Remote()
	f.router.mu.Unlock()
	conn, err := net.Dial("udp", remote)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRTP(t *testing.T, conn net.Conn, seq uint16, amp byte) {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: seq, SSRC: 1111},
		Payload: []byte{amp, 1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestTap_FailOpenTranscribesEveryChunk(t *testing.T) {
	f := newTapFixture(t, nil)
	conn := f.start(t)

	sendRTP(t, conn, 1, 50)
	require.Eventually(t, func() bool {
		n, _ := f.sink.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.sink.mu.Lock()
	got := f.sink.texts[0]
	f.sink.mu.Unlock()
	assert.Equal(t, domain.RoomID("room"), got.RoomID)
	assert.Equal(t, domain.ParticipantID("alice"), got.ParticipantID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, "hello", got.Text)

	f.stt.mu.Lock()
	// 960 samples at 48 kHz decimate to 320 samples.
	assert.Equal(t, []int{640}, f.stt.lengths)
	f.stt.mu.Unlock()
}

func TestTap_UnreachableSTTKeepsTapping(t *testing.T) {
	f := newTapFixture(t, nil)
	f.stt.fail = errors.New("connection refused")
	conn := f.start(t)

	for i := 1; i <= 50; i++ {
		sendRTP(t, conn, uint16(i), 50)
		require.Eventually(t, func() bool {
			return f.tap.CaptionErrors() == uint64(i)
		}, 2*time.Second, 2*time.Millisecond)
	}
	texts, errs := f.sink.counts()
	assert.Zero(t, texts)
	assert.Equal(t, 50, errs)
	assert.True(t, f.tap.Active("alice"))
}

func TestTap_SkipsEmptyAndUndecodablePackets(t *testing.T) {
	f := newTapFixture(t, nil)
	conn := f.start(t)

	empty := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 100, SSRC: 1111}}
	raw, err := empty.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
	sendRTP(t, conn, 2, 0xff)
	_, err = conn.Write([]byte{0x01})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	f.stt.mu.Lock()
	assert.Empty(t, f.stt.lengths)
	f.stt.mu.Unlock()
	assert.True(t, f.tap.Active("alice"))
}

func TestTap_VADGroupsSpeechIntoOneUtterance(t *testing.T) {
	f := newTapFixture(t, func() (vad.Classifier, error) { return vad.NewEnergy(), nil })
	conn := f.start(t)

	seq := uint16(0)
	for range 10 {
		seq++
		sendRTP(t, conn, seq, 80)
	}
	for range 40 {
		seq++
		sendRTP(t, conn, seq, 0)
	}
	require.Eventually(t, func() bool {
		n, _ := f.sink.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	n, _ := f.sink.counts()
	assert.Equal(t, 1, n)
}

func TestTap_StartRejectsVideoAndIgnoresDuplicates(t *testing.T) {
	f := newTapFixture(t, nil)
	f.start(t)
	require.NoError(t, f.tap.Start(context.Background(), "room", "alice", f.producer, f.router))
	assert.Equal(t, 1, f.tap.Count())

	ctx := context.Background()
	send, err := f.router.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	video, err := send.Produce(ctx, domain.KindVideo, domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: domain.MimeTypeVP8, PayloadType: 101, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 7}},
	})
	require.NoError(t, err)
	err = f.tap.Start(ctx, "room", "bob", video, f.router)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, f.tap.Active("bob"))
}

func TestTap_OverlappingStartsKeepOneStream(t *testing.T) {
	f := newTapFixture(t, nil)
	router := &slowPlain{Router: f.router, delay: 50 * time.Millisecond}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.tap.Start(context.Background(), "room", "alice", f.producer, router)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping Start calls did not return")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.tap.Count())
	assert.True(t, f.tap.Active("alice"))
}

func TestTap_StopReleasesEverything(t *testing.T) {
	f := newTapFixture(t, nil)
	f.start(t)

	f.tap.Stop("alice")
	f.tap.Stop("alice")
	f.tap.Stop("nobody")

	assert.False(t, f.tap.Active("alice"))
	f.router.mu.Lock()
	assert.True(t, f.router.plain.Closed())
	f.router.mu.Unlock()
	f.dec.mu.Lock()
	assert.True(t, f.dec.closed)
	f.dec.mu.Unlock()
	require.Eventually(t, func() bool { return f.stt.endCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTap_ProducerCloseStopsTap(t *testing.T) {
	f := newTapFixture(t, nil)
	f.start(t)

	f.producer.Close()
	require.Eventually(t, func() bool { return !f.tap.Active("alice") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.stt.endCount() == 1 }, time.Second, 5*time.Millisecond)
}
