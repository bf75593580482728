package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/VoiceGateway/internal/adapters/signal"
	"github.com/dkeye/VoiceGateway/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Mode       string
	StaticPath string
	CORSOrigin string
}

type health struct {
	Status         string  `json:"status"`
	Timestamp      int64   `json:"timestamp"`
	Uptime         float64 `json:"uptime"`
	Workers        int     `json:"workers"`
	Rooms          int     `json:"rooms"`
	AudioStreaming int     `json:"audioStreaming"`
}

func cors(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg Config, ctrl *signal.SignalWSController, stats metrics.Source, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	started := time.Now()

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors(cfg.CORSOrigin))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ws := func(c *gin.Context) { ctrl.HandleSignal(ctx, c) }
	r.GET("/ws", ws)
	r.GET("/api/ws/signal", ws)

	r.GET("/health", func(c *gin.Context) {
		s := stats()
		c.JSON(http.StatusOK, health{
			Status:         "healthy",
			Timestamp:      time.Now().UnixMilli(),
			Uptime:         time.Since(started).Seconds(),
			Workers:        s.Workers,
			Rooms:          s.Rooms,
			AudioStreaming: s.AudioStreaming,
		})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats())
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})
	return r
}
