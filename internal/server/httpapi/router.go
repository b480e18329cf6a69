// Package httpapi serves the liveness endpoints and the authenticated admin
// API of the daemon.
package httpapi

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/sessions"
	"github.com/gin-gonic/gin"
)

type SessionManager interface {
	GetActiveConnections() []sessions.ConnectionInfo
	CleanupSession(ctx context.Context, id string) error
	Pair(ctx context.Context, phone string) (string, string, error)
	RequestQR(ctx context.Context) (string, string, error)
}

// Sweeper deactivates idle persisted sessions.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Deps struct {
	Sessions  SessionManager
	Sweeper   Sweeper
	SecretKey []byte
	Logger    logging.Logger
	StartedAt time.Time
	Now       func() time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	h := &handler{deps: deps, logger: deps.Logger.With("module", "httpapi")}
	r.Use(h.accessLog)

	r.GET("/health", h.health)
	r.GET("/ping", h.ping)

	protected := r.Group("/v1")
	protected.Use(RequireAuth(deps.SecretKey))
	protected.GET("/sessions", h.listSessions)
	protected.POST("/sessions/sweep", h.sweep)
	protected.DELETE("/sessions/:id", h.deleteSession)
	protected.POST("/pair", h.pair)
	protected.POST("/qr", h.qr)

	return r
}
