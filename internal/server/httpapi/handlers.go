package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/gin-gonic/gin"
)

type handler struct {
	deps   Deps
	logger logging.Logger
}

func (h *handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug(c.Request.Context(), "http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func (h *handler) health(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"sessions": len(h.deps.Sessions.GetActiveConnections()),
	}
	if !h.deps.StartedAt.IsZero() {
		resp["uptimeSeconds"] = int64(h.deps.Now().Sub(h.deps.StartedAt).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *handler) listSessions(c *gin.Context) {
	conns := h.deps.Sessions.GetActiveConnections()
	c.JSON(http.StatusOK, gin.H{"count": len(conns), "sessions": conns})
}

func (h *handler) sweep(c *gin.Context) {
	if h.deps.Sweeper == nil {
		c.JSON(http.StatusOK, gin.H{"deactivated": 0})
		return
	}
	n, err := h.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error(c.Request.Context(), "sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	by, _ := SubjectFromContext(c)
	h.logger.Info(c.Request.Context(), "manual sweep", "deactivated", n, "by", by)
	c.JSON(http.StatusOK, gin.H{"deactivated": n})
}

func (h *handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := common.ValidateSessionID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Sessions.CleanupSession(c.Request.Context(), id); err != nil {
		h.logger.Error(c.Request.Context(), "cleanup failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup incomplete"})
		return
	}
	by, _ := SubjectFromContext(c)
	h.logger.Info(c.Request.Context(), "session removed", "session", id, "by", by)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type pairBody struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

func (h *handler) pair(c *gin.Context) {
	var body pairBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	id, code, err := h.deps.Sessions.Pair(c.Request.Context(), body.PhoneNumber)
	switch {
	case errors.Is(err, common.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, common.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error(c.Request.Context(), "pairing failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "pairing failed", "sessionId": id})
		return
	}

	resp := gin.H{"sessionId": id, "code": code}
	if code == "" {
		resp["registered"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) qr(c *gin.Context) {
	id, qr, err := h.deps.Sessions.RequestQR(c.Request.Context())
	switch {
	case errors.Is(err, common.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, common.ErrQRTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "sessionId": id})
		return
	case err != nil:
		h.logger.Error(c.Request.Context(), "qr pairing failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "qr pairing failed", "sessionId": id})
		return
	}
	by, _ := SubjectFromContext(c)
	h.logger.Info(c.Request.Context(), "pairing QR issued", "session", id, "by", by)
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "qr": qr})
}
