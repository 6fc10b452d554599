package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// ── Metrics ─────────────────────────────────────────────────────────────────

var (
	containersStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_containers_started_total",
	}, []string{"challenge_id"})
	activeContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_containers_active",
	})
	terminalSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_terminal_sessions_active",
	})
	flagChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_flag_checks_total",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(containersStarted, activeContainers, terminalSessions, flagChecks)
}

// ── Auth ────────────────────────────────────────────────────────────────────

func parseBearer(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireSecret gates requests behind the shared service secret. An empty
// secret means the broker runs open, for trusted internal networks. The
// token is also accepted as a query parameter because browsers cannot set
// headers on WebSocket dials.
func requireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token := parseBearer(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func corsMiddleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && cfg.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ── HTTP API ────────────────────────────────────────────────────────────────

type startRequest struct {
	Image       string `json:"image"`
	SessionID   string `json:"sessionId"`
	Ports       string `json:"ports"`
	ChallengeID string `json:"challengeId"`
}

type stopRequest struct {
	ContainerID string `json:"containerId"`
	SessionID   string `json:"sessionId"`
}

type verifyRequest struct {
	SessionID     string `json:"sessionId"`
	SubmittedFlag string `json:"submittedFlag"`
}

func setupRouter(b *Broker, cfg Config, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg))
	r.Use(requireSecret(cfg.BrokerSecret))

	startLimiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 10)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return origin == "" || cfg.originAllowed(origin)
		},
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "containers": b.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/containers/start", func(c *gin.Context) {
		if !startLimiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		containerID, err := b.Start(c.Request.Context(), req.Image, req.SessionID, req.ChallengeID, req.Ports)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"containerId": containerID,
			"message":     "container started",
		})
	})

	r.POST("/containers/stop", func(c *gin.Context) {
		var req stopRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ContainerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "containerId is required"})
			return
		}
		ok := b.Stop(c.Request.Context(), req.ContainerID, req.SessionID)
		c.JSON(http.StatusOK, gin.H{"success": ok})
	})

	r.POST("/flags/verify", func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "valid": false})
			return
		}
		valid, err := b.VerifyFlag(c.Request.Context(), req.SessionID, req.SubmittedFlag)
		if err != nil {
			if errors.Is(err, ErrNoActiveContainer) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no active container", "valid": false})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "valid": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": valid})
	})

	r.GET("/containers/:sessionId/status", func(c *gin.Context) {
		res := b.Status(c.Request.Context(), c.Param("sessionId"))
		if !res.Running {
			c.JSON(http.StatusOK, gin.H{"running": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"running":     true,
			"containerId": res.ContainerID,
			"createdAt":   res.CreatedAt.Format(time.RFC3339),
		})
	})

	// The streaming session is addressed by the container identifier in the
	// final path segment.
	r.GET("/terminal/:containerId", func(c *gin.Context) {
		containerID := c.Param("containerId")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		execID, hijack, err := attachShell(c.Request.Context(), b.docker, containerID)
		if err != nil {
			logger.Warn("shell attach failed", "container_id", containerID, "error", err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"),
				time.Now().Add(termWriteWait))
			conn.Close()
			return
		}
		terminalSessions.Inc()
		defer terminalSessions.Dec()
		logger.Info("terminal session opened", "container_id", containerID)
		newTerminalSession(conn, hijack, b.docker, execID, containerID, logger).run()
		logger.Info("terminal session closed", "container_id", containerID)
	})

	return r
}

// ── Main ────────────────────────────────────────────────────────────────────

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()
	logger.Info("starting session-broker", "port", cfg.Port, "network", cfg.ContainerNetwork)

	docker, err := newDockerClient()
	if err != nil {
		logger.Error("docker client error", "error", err)
		os.Exit(1)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := docker.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Error("cannot reach docker daemon", "error", err)
		os.Exit(1)
	}
	cancelPing()

	var bus eventBus
	if cfg.NatsURL != "" {
		nc, err := natsgo.Connect(cfg.NatsURL,
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(2*time.Second),
			natsgo.Name("session-broker"))
		if err != nil {
			logger.Warn("nats unavailable, events disabled", "error", err)
		} else {
			defer nc.Close()
			bus = nc
		}
	}

	broker := NewBroker(docker, bus, cfg.ContainerNetwork, logger)
	if err := broker.Reconcile(context.Background()); err != nil {
		logger.Warn("startup reconciliation failed", "error", err)
	} else {
		logger.Info("startup reconciliation complete", "containers", broker.Count())
	}

	router := setupRouter(broker, cfg, logger)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("session broker listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Info("draining tracked containers")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 60*time.Second)
	broker.Shutdown(drainCtx)
	cancelDrain()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShut()
	srv.Shutdown(shutCtx)
	logger.Info("session broker stopped")
}
