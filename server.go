package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/czerwonk/latency_monitor/probe"
	"github.com/czerwonk/latency_monitor/scheduler"
)

// monitor is the part of the scheduler exposed to the outside.
type monitor interface {
	Start() error
	Stop(ctx context.Context) error
	SetInterval(d time.Duration) error
	SignalReady()
	LatestSnapshot() *scheduler.Snapshot
	State() scheduler.State
	Interval() time.Duration
	Stats() scheduler.Stats
	Target() probe.Target
}

type intervalRequest struct {
	Interval int64 `json:"interval" binding:"required"` // ms
}

// intervalFromMillis converts an interval sent by a client. Values outside
// the scheduler's range are rejected before the multiplication can overflow.
func intervalFromMillis(ms int64) (time.Duration, error) {
	if ms < scheduler.MinInterval.Milliseconds() || ms > scheduler.MaxInterval.Milliseconds() {
		return 0, fmt.Errorf("%w: %dms (must be between %v and %v)", scheduler.ErrInvalidInterval, ms, scheduler.MinInterval, scheduler.MaxInterval)
	}

	return time.Duration(ms) * time.Millisecond, nil
}

type statusResponse struct {
	State    string          `json:"state"`
	Interval int64           `json:"interval"`
	Target   targetResponse  `json:"target"`
	Stats    scheduler.Stats `json:"stats"`
	Clients  int             `json:"clients"`
}

type targetResponse struct {
	Host  string `json:"host"`
	Ports []int  `json:"ports"`
}

type api struct {
	monitor     monitor
	hub         *hub
	stopTimeout time.Duration
}

func newRouter(a *api, metrics http.Handler, metricsPath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(indexHTML, metricsPath)))
	})
	r.GET(metricsPath, gin.WrapH(metrics))
	r.GET("/ws", a.hub.serveWS)

	v := r.Group("/api")
	{
		v.GET("/snapshot", a.getSnapshot)
		v.GET("/status", a.getStatus)
		v.PUT("/interval", a.setInterval)
		v.POST("/ready", a.ready)
		v.POST("/start", a.start)
		v.POST("/stop", a.stop)
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(started),
			"client":   c.ClientIP(),
		}).Debug("http request")
	}
}

func (a *api) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, a.monitor.LatestSnapshot())
}

func (a *api) getStatus(c *gin.Context) {
	t := a.monitor.Target()
	c.JSON(http.StatusOK, statusResponse{
		State:    a.monitor.State().String(),
		Interval: a.monitor.Interval().Milliseconds(),
		Target:   targetResponse{Host: t.Host, Ports: t.Ports},
		Stats:    a.monitor.Stats(),
		Clients:  a.hub.Len(),
	})
}

func (a *api) setInterval(c *gin.Context) {
	var req intervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := intervalFromMillis(req.Interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = a.monitor.SetInterval(d)
	switch {
	case errors.Is(err, scheduler.ErrInvalidInterval):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"interval": a.monitor.Interval().Milliseconds()})
}

func (a *api) ready(c *gin.Context) {
	a.monitor.SignalReady()
	c.Status(http.StatusNoContent)
}

func (a *api) start(c *gin.Context) {
	if err := a.monitor.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": a.monitor.State().String()})
}

func (a *api) stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.stopTimeout)
	defer cancel()

	if err := a.monitor.Stop(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("probe loop still stopping: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": a.monitor.State().String()})
}

const indexHTML = `<!doctype html>
<html>
<head>
	<meta charset="UTF-8">
	<title>Latency Monitor (Version ` + version + `)</title>
</head>
<body>
	<h1>Latency Monitor</h1>
	<p><a href="%s">Metrics</a></p>
	<p><a href="/api/status">Status</a> | <a href="/api/snapshot">Latest snapshot</a></p>
	<p>Live updates are pushed on <code>/ws</code>.</p>
</body>
</html>
`
