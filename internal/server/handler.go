// Package server exposes the dispatch registry over HTTP: one invoke
// endpoint, operation discovery and health probes.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
	"github.com/clinbridge/clinbridge/pkg/pagination"
)

type Handler struct {
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

func NewHandler(d *dispatch.Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{dispatcher: d, log: log}
}

// RegisterRoutes mounts the invoke API and the health probes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/invoke", h.invoke)
	api.GET("/operations", h.operations)

	e.GET("/healthz", h.healthz)
	e.GET("/readyz", h.readyz)
}

// invokeRequest is the wire form of one invocation.
type invokeRequest struct {
	Operation string          `json:"operation"`
	Params    dispatch.Params `json:"params"`
}

func (h *Handler) invoke(c echo.Context) error {
	var req invokeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("validation", "", "request body must be JSON with operation and params"))
	}
	if req.Operation == "" {
		return c.JSON(http.StatusBadRequest, errorBody("validation", "", "operation is required"))
	}

	result, err := h.dispatcher.Invoke(c.Request().Context(), req.Operation, req.Params)
	if err != nil {
		return h.writeError(c, req.Operation, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"operation": req.Operation,
		"result":    result,
	})
}

// operations lists the registered operation definitions, one page at a time.
func (h *Handler) operations(c echo.Context) error {
	defs := h.dispatcher.Operations()
	page := pagination.FromContext(c)

	start := page.Offset
	if start > len(defs) {
		start = len(defs)
	}
	end := start + page.Limit
	if end > len(defs) {
		end = len(defs)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(defs[start:end], len(defs), page.Limit, page.Offset))
}

// healthz is process liveness: reachable means alive.
func (h *Handler) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
}

// readyz reports per-adapter backend health and degrades to 503 when any
// adapter's backend is unreachable.
func (h *Handler) readyz(c echo.Context) error {
	adapters := h.dispatcher.Health(c.Request().Context())
	status := http.StatusOK
	ready := true
	for _, a := range adapters {
		if !a.Healthy {
			status = http.StatusServiceUnavailable
			ready = false
		}
	}
	return c.JSON(status, map[string]interface{}{
		"ready":    ready,
		"adapters": adapters,
	})
}

// writeError maps a dispatch error kind to an HTTP status and a structured
// error body without reclassifying the kind.
func (h *Handler) writeError(c echo.Context, op string, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, dispatch.ErrUnknownOperation):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrCapacityExceeded):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrUpload):
		status = http.StatusBadGateway
	case errors.Is(err, dispatch.ErrConnection):
		status = http.StatusServiceUnavailable
	}

	body := errorBody(dispatch.KindName(err), op, err.Error())
	var de *dispatch.Error
	if errors.As(err, &de) && !de.Time.IsZero() {
		body["error"].(map[string]interface{})["time"] = de.Time.Format(time.RFC3339Nano)
	}
	return c.JSON(status, body)
}

func errorBody(kind, op, message string) map[string]interface{} {
	e := map[string]interface{}{
		"kind":    kind,
		"message": message,
	}
	if op != "" {
		e["operation"] = op
	}
	return map[string]interface{}{"error": e}
}
