package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"live-quiz-service/internal/app"
)

var timeNow = time.Now

// StatsSource reports live connection counts.
type StatsSource interface {
	Stats() app.Stats
}

// NewRouter mounts the health probe, the websocket endpoint and connection stats.
// The gin mode is process-wide and left to the caller.
func NewRouter(ws *WSHandler, stats StatsSource) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/ws", gin.WrapF(ws.ServeWS))
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats.Stats())
	})
	return router
}
