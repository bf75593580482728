package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/adapters/bus"
	router "github.com/dkeye/VoiceGateway/internal/adapters/http"
	signaling "github.com/dkeye/VoiceGateway/internal/adapters/signal"
	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/pool"
	"github.com/dkeye/VoiceGateway/internal/app/rooms"
	"github.com/dkeye/VoiceGateway/internal/app/sfu"
	"github.com/dkeye/VoiceGateway/internal/audio"
	"github.com/dkeye/VoiceGateway/internal/audio/codec"
	"github.com/dkeye/VoiceGateway/internal/audio/vad"
	"github.com/dkeye/VoiceGateway/internal/audio/vad/silero"
	"github.com/dkeye/VoiceGateway/internal/captions"
	"github.com/dkeye/VoiceGateway/internal/config"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/metrics"
	"github.com/dkeye/VoiceGateway/internal/stt"
	"github.com/dkeye/VoiceGateway/internal/translate"
)

func setupLogging(cfg *config.Config) {
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)
	if cfg.AnnouncedIP == "" {
		log.Warn().Str("module", "main").Msg("ANNOUNCED_IP is empty, clients behind NAT may fail to connect")
	}

	node, _ := os.Hostname()

	workers := pool.New(sfu.Factory(sfu.Settings{
		MinPort:     uint16(cfg.RTCMinPort),
		MaxPort:     uint16(cfg.RTCMaxPort),
		AnnouncedIP: cfg.AnnouncedIP,
		STUNURLs:    cfg.STUN(),
	}), pool.WithReplacedHook(func(index int) {
		log.Info().Str("module", "main").Int("worker", index).Msg("worker replaced")
	}))
	if err := workers.Initialize(ctx, cfg.WorkerCount); err != nil {
		log.Fatal().Err(err).Msg("failed to start media workers")
	}

	hub := app.NewRegistry(app.DropThenKick{Limit: app.DefaultDropLimit})

	var publisher core.EventPublisher = bus.Nop{}
	var redisBus *bus.Redis
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("module", "bus").Msg("redis unavailable, running standalone until it recovers")
		}
		pingCancel()
		redisBus = bus.NewRedis(redisClient, cfg.RedisChannel, node)
		publisher = redisBus
		go redisBus.Listen(ctx, func(evt core.Event) {
			log.Debug().Str("module", "bus").Str("type", evt.Type).Str("node", evt.Node).Str("room_id", string(evt.RoomID)).Msg("remote event")
		})
	}

	var reg *rooms.Registry
	opts := []rooms.Option{
		rooms.WithNotifier(hub),
		rooms.WithPublisher(publisher),
		rooms.WithNode(node),
		rooms.WithCodecs(domain.DefaultMediaCodecs()),
	}

	var tap *audio.Tap
	if cfg.AudioEnabled {
		var translator captions.Translator
		if cfg.TranslationServiceURL != "" {
			translator = translate.New(cfg.TranslationServiceURL)
		}
		fanout := captions.New(captions.RosterFunc(func(id domain.RoomID) (map[domain.ParticipantID]domain.Languages, error) {
			return reg.Languages(id)
		}), hub, translator)

		vadCfg := vad.DefaultConfig()
		vadCfg.RedemptionFrames = cfg.VADRedemptionFrames
		vadCfg.MinSpeechFrames = cfg.VADMinSpeechFrames
		tapCfg := audio.DefaultConfig()
		tapCfg.DecodeRate = cfg.AudioSampleRate
		tapCfg.Channels = cfg.AudioChannels
		tapCfg.VAD = vadCfg

		classifier := func() (vad.Classifier, error) { return vad.NewEnergy(), nil }
		if cfg.VADModelPath != "" {
			classifier = func() (vad.Classifier, error) {
				c, err := silero.New(cfg.VADModelPath, vadCfg.PositiveThreshold)
				if err != nil {
					return nil, err
				}
				return c, nil
			}
		}
		decoder := func(rate, channels int) (audio.Decoder, error) {
			d, err := codec.NewOpusDecoder(rate, channels)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		tap = audio.New(tapCfg, decoder, classifier, stt.New(cfg.STTServiceURL), fanout)
		opts = append(opts, rooms.WithAudioTap(tap))
	}
	reg = rooms.NewRegistry(workers, opts...)

	ctl := signaling.NewSignalWSController(reg, hub, signaling.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		CORSOrigin: cfg.CORSOrigin,
	})
	stats := func() metrics.Snapshot {
		s := reg.Stats()
		return metrics.Snapshot{
			Workers:        workers.LiveWorkers(),
			Rooms:          s.Rooms,
			Participants:   s.Participants,
			AudioStreaming: s.AudioStreaming,
		}
	}
	r := router.SetupRouter(ctx, router.Config{
		Mode:       cfg.Mode,
		StaticPath: cfg.StaticPath,
		CORSOrigin: cfg.CORSOrigin,
	}, ctl, stats, metrics.NewRegistry(stats))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("addr", cfg.Addr()).Int("workers", cfg.WorkerCount).Msg("gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error().Err(err).Str("module", "main").Msg("server error")
	}

	log.Info().Str("module", "main").Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server forced to shutdown")
	}
	if tap != nil {
		tap.Shutdown()
	}
	reg.Shutdown(shutdownCtx)
	workers.Shutdown()
	if redisBus != nil {
		redisBus.Close()
		_ = redisClient.Close()
	}
	log.Info().Str("module", "main").Msg("gateway exited gracefully")
}
