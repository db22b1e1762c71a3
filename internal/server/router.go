// Package server exposes the daemon's command surface over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/supervisor"
)

// Gateway is the supervised-process surface the router drives.
type Gateway interface {
	Start() error
	Stop()
	State() supervisor.GatewayState
	Token() string
}

// Restorer is the backup/restore surface the router drives.
type Restorer interface {
	CreateBackup() ([]byte, error)
	RestoreFromArchive(data []byte, filenameHint string) error
	PerformRestore(sourceDir string) error
	ValidateBackupDir(dir string) error
	DetectLocal() (string, bool)
}

// HistorySource optionally serves recent lifecycle events.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Router provides embeddable HTTP handlers for managing the gateway.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	POST {basePath}/backup             response: zip bytes
//	POST {basePath}/restore            body: {"data": base64, "filename": hint}
//	POST {basePath}/restore-dir        body: {"dir": absolute path}
//	GET  {basePath}/backup/detect
//	POST {basePath}/backup/validate    body: {"dir": absolute path}
//	GET  {basePath}/history?limit=N    (when a history source is configured)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	gw       Gateway
	rst      Restorer
	hist     HistorySource
	basePath string
}

// NewRouter constructs a Router with a configurable basePath. hist may be nil.
func NewRouter(gw Gateway, rst Restorer, hist HistorySource, basePath string) *Router {
	return &Router{gw: gw, rst: rst, hist: hist, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux. All endpoints require the gateway auth token as a bearer token
// unless the token is empty.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.Use(r.requireToken)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.POST("/backup", r.handleBackup)
	group.POST("/restore", r.handleRestore)
	group.POST("/restore-dir", r.handleRestoreDir)
	group.GET("/backup/detect", r.handleDetect)
	group.POST("/backup/validate", r.handleValidate)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, gw Gateway, rst Restorer, hist HistorySource) (*http.Server, error) {
	r := NewRouter(gw, rst, hist, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) requireToken(c *gin.Context) {
	token := r.gw.Token()
	if token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: "invalid or missing bearer token"})
		return
	}
	c.Next()
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.gw.Start(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.gw.State())
}

func (r *Router) handleStop(c *gin.Context) {
	r.gw.Stop()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.gw.State())
}

func (r *Router) handleBackup(c *gin.Context) {
	data, err := r.rst.CreateBackup()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	name := fmt.Sprintf("gateway-backup-%s.zip", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/zip", data)
}

type restoreReq struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

func (r *Router) handleRestore(c *gin.Context) {
	var req restoreReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Data == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "data required"})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid base64 data: " + err.Error()})
		return
	}
	if err := r.rst.RestoreFromArchive(raw, req.Filename); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.gw.State())
}

type dirReq struct {
	Dir string `json:"dir"`
}

func (r *Router) handleRestoreDir(c *gin.Context) {
	var req dirReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.Dir) || req.Dir == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "dir must be an absolute path without traversal"})
		return
	}
	if err := r.rst.PerformRestore(req.Dir); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.gw.State())
}

func (r *Router) handleDetect(c *gin.Context) {
	dir, ok := r.rst.DetectLocal()
	writeJSON(c, http.StatusOK, gin.H{"found": ok, "path": dir})
}

func (r *Router) handleValidate(c *gin.Context) {
	var req dirReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.Dir) || req.Dir == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "dir must be an absolute path without traversal"})
		return
	}
	if err := r.rst.ValidateBackupDir(req.Dir); err != nil {
		writeJSON(c, http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"valid": true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.hist == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history not configured"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.hist.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}
