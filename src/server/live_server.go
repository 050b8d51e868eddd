package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marathon-engine/src/analysis"
	"marathon-engine/src/cache"
	"marathon-engine/src/interfaces"
	"marathon-engine/src/leaderboard"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// LiveServer
// -----------------------------------------------------------------------------

// LiveServer is the viewer-facing real-time multiplexer: it serves the
// websocket endpoint and the small REST surface, and runs the subscription
// hub loop that owns all shared fan-out state.
type LiveServer struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine

	Cache        *cache.SnapshotCache
	Calculator   *leaderboard.Calculator
	Analyzer     *analysis.AnalysisFacade
	Participants interfaces.IParticipantRepository
	Marathons    interfaces.IMarathonRepository

	// Hub channels
	register   chan *Client
	unregister chan *Client
	commands   chan clientCommand
	updates    chan cache.UpdateEvent
	flush      chan int64
	statsReq   chan chan MHubStats
	stop       chan struct{}

	// Hub-owned state. Touched only by the hub goroutine.
	clients         map[*Client]struct{}
	marathonRefs    map[int64]int
	participantRefs map[int64]int
	selfViewRefs    map[int64]int
	upstreamRefs    map[int64]int

	pending  map[int64]map[int64]struct{}
	timers   map[int64]*time.Timer
	lastSent map[int64]vitals
	arrays   map[int64]arrayState

	participantIndex map[int64]participantEntry // participantID -> resolved
	loginIndex       map[string]loginEntry      // account login -> resolved
	marathonIndex    map[int64]marathonEntry    // marathonID -> resolved

	unsubscribeCache func()
}

type clientCommand struct {
	client *Client
	cmd    models.MClientCommand
}

type vitals struct {
	balance float64
	equity  float64
	profit  float64
}

type arrayState struct {
	positions string
	orders    string
}

// MHubStats is the introspection payload for the stats endpoint.
type MHubStats struct {
	ConnectedClients       int  `json:"connected_clients"`
	MarathonSubscriptions  int  `json:"marathon_subscriptions"`
	ParticipantSubs        int  `json:"participant_subscriptions"`
	SelfViewSubscriptions  int  `json:"self_view_subscriptions"`
	ConsumingUpstream      bool `json:"consuming_upstream"`
	PendingBatchedUpdates  int  `json:"pending_batched_updates"`
	InterestedMarathonIDs  int  `json:"interested_marathons"`
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewLiveServer(
	cfg *models.MConfig,
	log *logger.Logger,
	snapCache *cache.SnapshotCache,
	calc *leaderboard.Calculator,
	analyzer *analysis.AnalysisFacade,
	participants interfaces.IParticipantRepository,
	marathons interfaces.IMarathonRepository,
) *LiveServer {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &LiveServer{
		Config:       cfg,
		Logger:       log,
		engine:       gin.Default(),
		Cache:        snapCache,
		Calculator:   calc,
		Analyzer:     analyzer,
		Participants: participants,
		Marathons:    marathons,

		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan clientCommand, 64),
		// Buffered so a burst of telemetry cannot block ingestion
		updates:  make(chan cache.UpdateEvent, 1024),
		flush:    make(chan int64, 64),
		statsReq: make(chan chan MHubStats),
		stop:     make(chan struct{}),

		clients:         make(map[*Client]struct{}),
		marathonRefs:    make(map[int64]int),
		participantRefs: make(map[int64]int),
		selfViewRefs:    make(map[int64]int),
		upstreamRefs:    make(map[int64]int),
		pending:         make(map[int64]map[int64]struct{}),
		timers:          make(map[int64]*time.Timer),
		lastSent:        make(map[int64]vitals),
		arrays:          make(map[int64]arrayState),

		participantIndex: make(map[int64]participantEntry),
		loginIndex:       make(map[string]loginEntry),
		marathonIndex:    make(map[int64]marathonEntry),
	}

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *LiveServer) setupRoutes() {
	// REST API endpoints
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/stats", s.getStats)
	s.engine.GET("/api/marathons/:id/leaderboard", s.getLeaderboard)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *LiveServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting server on %s", addr)

	s.StartHub()

	return s.engine.Run(addr)
}

// -----------------------------------------------------------------------------

// StartHub launches the hub loop and attaches the cache listener. Split from
// Start so tests can drive the hub without an HTTP listener.
func (s *LiveServer) StartHub() {
	s.unsubscribeCache = s.Cache.Subscribe(func(event cache.UpdateEvent) {
		select {
		case s.updates <- event:
		default:
			// Never block ingestion on a slow hub.
			s.Logger.Warning("Update queue full, dropping update for %s", event.Login)
		}
	})

	go s.runHub()
}

// -----------------------------------------------------------------------------

func (s *LiveServer) Stop() error {
	if s.unsubscribeCache != nil {
		s.unsubscribeCache()
	}
	close(s.stop)
	return nil
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *LiveServer) getHealth(c *gin.Context) {
	health := s.Cache.Health()

	status := "ok"
	if !health.Connected {
		status = "degraded"
	}

	c.JSON(200, gin.H{
		"status":             status,
		"broker_connected":   health.Connected,
		"processed_messages": health.ProcessedMessages,
		"snapshot_count":     health.SnapshotCount,
		"last_message_at":    health.LastMessageAt,
	})
}

// -----------------------------------------------------------------------------

func (s *LiveServer) getStats(c *gin.Context) {
	reply := make(chan MHubStats, 1)
	select {
	case s.statsReq <- reply:
		c.JSON(200, <-reply)
	case <-time.After(time.Second):
		c.JSON(503, gin.H{"error": "hub busy"})
	}
}

// -----------------------------------------------------------------------------

func (s *LiveServer) getLeaderboard(c *gin.Context) {
	marathonID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid marathon id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	entries, err := s.Calculator.Calculate(ctx, marathonID, s.Cache.GetAllSnapshots())
	if err != nil {
		s.Logger.Error("Leaderboard request failed for marathon %d: %v", marathonID, err)
		c.JSON(500, gin.H{"error": "leaderboard unavailable"})
		return
	}

	c.JSON(200, gin.H{
		"marathonId":  marathonID,
		"leaderboard": entries,
	})
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *LiveServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		hub:  s,
		conn: conn,
		// Buffered channel to prevent blocking the hub loop
		send:         make(chan models.MServerEvent, s.Config.Hub.ClientSendBuffer),
		id:           uuid.NewString(),
		userID:       viewerUserID(c),
		marathons:    make(map[int64]struct{}),
		participants: make(map[int64]struct{}),
		selfViews:    make(map[int64]int64),
	}

	s.register <- client

	// Start goroutines for reading/writing
	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------

// viewerUserID extracts the already-authenticated identity of the connection.
// Session issuance happens upstream; here the identity only gates self-views.
func viewerUserID(c *gin.Context) int64 {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		raw = c.Query("user_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (s *LiveServer) HandleClientMessage(client *Client, message []byte) {
	var cmd models.MClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.Logger.Info("Failed to parse client command from %s: %v", client.id, err)
		client.trySend(models.MServerEvent{
			Event: models.EventError,
			Data:  models.MErrorEvent{Message: "invalid command"},
		})
		return
	}

	s.commands <- clientCommand{client: client, cmd: cmd}
}

// -----------------------------------------------------------------------------

// trySend queues an event without ever blocking the caller. The hub prunes
// clients whose buffers stay full; a direct response is simply best-effort.
func (c *Client) trySend(event models.MServerEvent) bool {
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}
