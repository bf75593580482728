package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrWorkerClosed = errors.New("sfu: worker closed")

// Settings configures the media engine of every worker.
type Settings struct {
	MinPort     uint16
	MaxPort     uint16
	AnnouncedIP string
	STUNURLs    []string
}

// Worker is a media engine instance. Router creation and teardown run on its
// command goroutine; a panic there kills the worker and is reported on Died.
type Worker struct {
	index    int
	handle   string
	settings Settings
	se       webrtc.SettingEngine
	logger   zerolog.Logger

	cmds     chan func()
	quit     chan struct{}
	died     chan error
	stopOnce sync.Once

	mu      sync.Mutex
	routers map[domain.RouterID]*Router
}

// NewWorker starts a worker for pool slot index.
func NewWorker(ctx context.Context, index int, settings Settings) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if settings.MinPort != 0 || settings.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(settings.MinPort, settings.MaxPort); err != nil {
			return nil, fmt.Errorf("sfu: port range: %w", err)
		}
	}
	if settings.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	handle := uuid.NewString()
	w := &Worker{
		index:    index,
		handle:   handle,
		settings: settings,
		se:       se,
		logger: log.With().
			Str("module", "sfu.worker").
			Int("index", index).
			Str("handle", handle).
			Logger(),
		cmds:    make(chan func()),
		quit:    make(chan struct{}),
		died:    make(chan error, 1),
		routers: make(map[domain.RouterID]*Router),
	}
	go w.loop()
	w.logger.Info().Uint16("min_port", settings.MinPort).Uint16("max_port", settings.MaxPort).Msg("worker started")
	return w, nil
}

// Factory adapts NewWorker to core.WorkerFactory.
func Factory(settings Settings) core.WorkerFactory {
	return func(ctx context.Context, index int) (core.MediaWorker, error) {
		return NewWorker(ctx, index, settings)
	}
}

func (w *Worker) Index() int         { return w.index }
func (w *Worker) Handle() string     { return w.handle }
func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case fn := <-w.cmds:
			if err := w.safeRun(fn); err != nil {
				w.Kill(err)
				return
			}
		}
	}
}

func (w *Worker) safeRun(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sfu: worker panic: %v", r)
		}
	}()
	fn()
	return nil
}

// do runs fn on the worker goroutine and waits for its result.
func (w *Worker) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case w.cmds <- func() { res <- fn() }:
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	var router *Router
	err := w.do(ctx, func() error {
		caps := domain.BuildCapabilities(codecs)
		me := &webrtc.MediaEngine{}
		for _, c := range caps.Codecs {
			params := webrtc.RTPCodecParameters{
				RTPCodecCapability: pionCapability(c),
				PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
			}
			if err := me.RegisterCodec(params, codecType(c.Kind)); err != nil {
				return fmt.Errorf("sfu: register codec %s: %w", c.MimeType, err)
			}
		}
		for _, ext := range caps.HeaderExtensions {
			if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind)); err != nil {
				return fmt.Errorf("sfu: register header extension %s: %w", ext.URI, err)
			}
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(w.se))
		router = newRouter(w, api, caps)
		w.mu.Lock()
		w.routers[router.id] = router
		w.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.Debug().Str("router", string(router.id)).Msg("router created")
	return router, nil
}

func (w *Worker) removeRouter(id domain.RouterID) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) closeRouters(reason core.CloseReason) {
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.close(reason)
	}
}

// Kill terminates the worker as if its engine crashed: every router closes
// and err is reported on Died.
func (w *Worker) Kill(err error) {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.logger.Error().Err(err).Msg("worker died")
		w.closeRouters(core.CloseWorkerDied)
		w.died <- err
	})
}

// Close stops the worker without reporting death.
func (w *Worker) Close() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.closeRouters(core.CloseExplicit)
		w.logger.Info().Msg("worker closed")
	})
}
