// Command apex-api exposes the orchestrator's control surface over REST
// and WebSocket: start/pause/resume/stop a session and stream its Agent
// Network traffic, using gin for routing and gorilla/websocket for the
// stream endpoint exactly as the reference api/orchestrator binaries
// split those two concerns.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/apex-trading/apex-core/internal/config"
	"github.com/apex-trading/apex-core/internal/debate"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/orchestrator"
	"github.com/apex-trading/apex-core/internal/wiring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type server struct {
	orch    *orchestrator.Orchestrator
	factory orchestrator.AgentFactory
	cfg     *config.Config
}

func main() {
	config.InitLogger(os.Getenv("APEX_APP_LOG_LEVEL"), os.Getenv("APEX_APP_LOG_FORMAT"))

	cfg, err := config.Load(os.Getenv("APEX_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	var orchOpts []orchestrator.Option
	if relayFn := wiring.ExternalRelayFactory(cfg.NATS, config.NewLogger("external_bus")); relayFn != nil {
		orchOpts = append(orchOpts, orchestrator.WithExternalRelay(relayFn))
	}

	s := &server{
		orch:    orchestrator.New(config.NewLogger("orchestrator"), orchOpts...),
		factory: wiring.DefaultAgentFactory(wiring.ReasonerPort(cfg.Reasoner), cfg),
		cfg:     cfg,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.POST("/sessions", s.handleStart)
	r.POST("/sessions/:id/pause", s.handlePause)
	r.POST("/sessions/:id/resume", s.handleResume)
	r.POST("/sessions/:id/stop", s.handleStop)
	r.GET("/sessions/:id/status", s.handleStatus)
	r.GET("/sessions/:id/stream", s.handleStream)

	addr := s.cfg.API.GetAPIAddr()
	log.Info().Str("addr", addr).Msg("apex-api listening")
	server := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("apex-api stopped")
	}
}

func (s *server) handleStart(c *gin.Context) {
	cfg := debate.Config{
		MaxRounds:          s.cfg.Debate.MaxRounds,
		RoundTimeout:       s.cfg.Debate.RoundTimeout,
		DeliberationWindow: s.cfg.Debate.DeliberationWindow,
		ConsensusThreshold: s.cfg.Debate.ConsensusThreshold,
		MinTradeNotional:   s.cfg.Debate.MinTradeNotional,
	}
	sessionID, err := s.orch.Start(c.Request.Context(), cfg, s.factory)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (s *server) handlePause(c *gin.Context) {
	if err := s.orch.Pause(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleResume(c *gin.Context) {
	if err := s.orch.Resume(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleStop(c *gin.Context) {
	if err := s.orch.Stop(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleStatus(c *gin.Context) {
	status, err := s.orch.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// handleStream upgrades to a WebSocket and forwards every message on the
// session's bus as a JSON frame, until the client disconnects.
func (s *server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	sub, err := s.orch.Stream(c.Param("id"), func(msg model.Message) error {
		if writeErr := conn.WriteJSON(msg); writeErr != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			return writeErr
		}
		return nil
	})
	if err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	// Block until the client closes the connection; gorilla requires a
	// reader goroutine to observe close control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
