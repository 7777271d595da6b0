package gateway

import (
	"context"
	"net/http"

	"TratoChat/logger"
	"TratoChat/middleware/security"
	"TratoChat/module/treaty"
	"TratoChat/service/bus"
	"TratoChat/tools/errs"
	"TratoChat/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server is the websocket + REST edge of the engine.
type Server struct {
	engine   *treaty.Engine
	mgr      *ConnManager
	bus      bus.Bus
	secret   []byte
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(engine *treaty.Engine, mgr *ConnManager, b bus.Bus, jwtSecret []byte) *Server {
	return &Server{
		engine: engine,
		mgr:    mgr,
		bus:    b,
		secret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients carry auth in the query token, origin
			// enforcement belongs to the fronting proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/", security.Middleware(security.DefaultOptions(s.secret)))
	{
		auth.GET("/ws", s.handleWS)

		api := auth.Group("/api")
		api.GET("/conversations/:id/messages", s.handleHistory)
		api.GET("/conversations/:id/unread", s.handleUnread)
		api.GET("/messages/:id/status", s.handleMessageStatus)
		api.GET("/me/notification_settings", s.handleGetSettings)
		api.PUT("/me/notification_settings", s.handlePutSettings)
		api.GET("/ops/active_rooms", s.handleActiveRooms)

		admin := api.Group("/admin", security.RequireRole("admin"))
		admin.POST("/senders/:id/rate_limit/reset", s.handleLimiterReset)
		admin.GET("/senders/:id/violations", s.handleViolations)
	}
	return r
}

// Run blocks serving HTTP until Shutdown.
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}
	logger.Infof("[gateway] listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.WrapMsg(err, "gateway listen", "addr", addr)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(c *gin.Context) {
	userID := security.UserID(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade failed user=%s: %v", userID, err)
		return
	}
	wc, err := s.mgr.Add(userID, ids.GenerateString(), conn)
	if err != nil {
		logger.Warnf("[gateway] register failed user=%s: %v", userID, err)
		_ = conn.Close()
		return
	}
	logger.Infof("[gateway] connected user=%s snow=%s remote=%s", userID, wc.SnowID, wc.Remote)
	runClient(wc, s.mgr, s.engine, s.bus)
}

func (s *Server) handleHistory(c *gin.Context) {
	msgs, err := s.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrStoreFailed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleUnread(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": c.Param("id"),
		"count":           s.engine.UnreadCount(security.UserID(c), c.Param("id")),
	})
}

func (s *Server) handleMessageStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.MessageStatus(c.Param("id")))
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetSettings(security.UserID(c)))
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrValidation)
		return
	}
	settings, err := s.engine.UpdateSettings(security.UserID(c), raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrValidation.WithDetail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleActiveRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.engine.ActiveRooms()})
}

func (s *Server) handleLimiterReset(c *gin.Context) {
	s.engine.ResetLimits(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"reset": c.Param("id")})
}

func (s *Server) handleViolations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"violations": s.engine.Violations(c.Param("id"))})
}
