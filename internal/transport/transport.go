// Package transport is a thin Gin HTTP adapter over the Orchestrator,
// exercising spec.md §6.1/§6.2's Run/Stop/Status/Subscribe/AdminKill/
// ActiveList operations. It is illustrative only (SPEC_FULL.md Non-goals:
// this module does not ship a product-facing API surface), grounded on
// internal/handlers/execution.go's handler shape and StandardResponse
// envelope, and internal/middleware/auth.go's RequireAuth for bearer-token
// authorization.
package transport

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/middleware"
	"apex-orchestrator/internal/orchestrator"
	"apex-orchestrator/internal/pushbus"
)

// StandardResponse mirrors internal/handlers.StandardResponse's envelope.
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Handler wires the Orchestrator and an optional PushBus into Gin routes.
type Handler struct {
	orch *orchestrator.Orchestrator
	bus  *pushbus.Bus
}

func NewHandler(orch *orchestrator.Orchestrator, bus *pushbus.Bus) *Handler {
	return &Handler{orch: orch, bus: bus}
}

// Register mounts every route this adapter serves under router, behind
// RequireAuth.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/executions", h.Run)
	router.GET("/executions/:id", h.Status)
	router.POST("/executions/:id/stop", h.Stop)
	router.POST("/admin/executions/:id/kill", middleware.RequireRole("admin"), h.AdminKill)
	router.GET("/admin/executions", middleware.RequireRole("admin"), h.ActiveList)
	router.GET("/executions/:id/stream", h.Stream)
}

// runRequest is the wire shape of POST /executions (spec.md §6.1).
type runRequest struct {
	ProjectID       uint   `json:"project_id"`
	Language        string `json:"language" binding:"required"`
	FilePath        string `json:"file_path"`
	FileContent     string `json:"file_content"`
	Stdin           string `json:"stdin"`
	SkipMaterialize bool   `json:"skip_materialize"`
}

// Run handles POST /executions.
func (h *Handler) Run(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondUnauthorized(c)
		return
	}

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{Success: false, Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	execID, err := h.orch.Run(c.Request.Context(), orchestrator.RunRequest{
		UserID:          userID,
		ProjectID:       req.ProjectID,
		Language:        req.Language,
		FilePath:        req.FilePath,
		FileContent:     []byte(req.FileContent),
		Stdin:           []byte(req.Stdin),
		SkipMaterialize: req.SkipMaterialize,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, StandardResponse{Success: true, Data: gin.H{"execution_id": execID}})
}

// Status handles GET /executions/:id (spec.md §6.2).
func (h *Handler) Status(c *gin.Context) {
	if _, ok := middleware.GetUserID(c); !ok {
		respondUnauthorized(c)
		return
	}

	rec, err := h.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: rec})
}

// Stop handles POST /executions/:id/stop (spec.md §6.2 "Stop").
func (h *Handler) Stop(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	isAdmin, _ := middleware.GetUserRole(c)

	state, err := h.orch.Stop(c.Request.Context(), c.Param("id"), userID, isAdmin == "admin")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: gin.H{"state": state.String()}})
}

// AdminKill handles POST /admin/executions/:id/kill — the admin-override
// path spec.md §9 distinguishes from an owner's Stop.
func (h *Handler) AdminKill(c *gin.Context) {
	state, err := h.orch.AdminKill(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: gin.H{"state": state.String()}})
}

// ActiveList handles GET /admin/executions — the supplemented admin
// dashboard operation (SPEC_FULL.md §4).
func (h *Handler) ActiveList(c *gin.Context) {
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: h.orch.ActiveList()})
}

// Stream handles GET /executions/:id/stream. With a Bus wired, it upgrades to
// a websocket subscribed to the "execution/{id}" topic; the Orchestrator
// publishes only the terminal status frame there, so that path carries no
// stdout/stderr frames and ignores from_seq. Without a Bus, it relays
// Orchestrator.Subscribe's frames from from_seq as Server-Sent Events.
func (h *Handler) Stream(c *gin.Context) {
	if _, ok := middleware.GetUserID(c); !ok {
		respondUnauthorized(c)
		return
	}

	execID := c.Param("id")
	fromSeq := uint64(0)
	if raw := c.Query("from_seq"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			fromSeq = n
		}
	}

	if h.bus != nil {
		h.bus.HandleWebSocket(c, "execution/"+execID)
		return
	}

	ch, cancel, err := h.orch.Subscribe(c.Request.Context(), execID, fromSeq)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		frame, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent("frame", frame)
		return true
	})
}

func respondUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, StandardResponse{Success: false, Error: "authentication required", Code: "NOT_AUTHENTICATED"})
}

func respondError(c *gin.Context, err error) {
	var ae *apexerr.Error
	if errors.As(err, &ae) {
		c.JSON(statusForKind(ae.Kind), StandardResponse{Success: false, Error: ae.Message, Code: string(ae.Kind)})
		return
	}
	c.JSON(http.StatusInternalServerError, StandardResponse{Success: false, Error: err.Error(), Code: "INTERNAL_ERROR"})
}

func statusForKind(k apexerr.Kind) int {
	switch k {
	case apexerr.NotFound:
		return http.StatusNotFound
	case apexerr.Forbidden:
		return http.StatusForbidden
	case apexerr.UnsupportedLanguage:
		return http.StatusBadRequest
	case apexerr.TooManyConcurrent, apexerr.RateLimited, apexerr.QuotaExceeded:
		return http.StatusTooManyRequests
	case apexerr.SandboxUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
