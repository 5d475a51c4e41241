package handlers

import (
	"errors"
	"net/http"
	"time"

	"bidwatch/internal/domain"
	"bidwatch/internal/infrastructure/gateway"
	"bidwatch/internal/services"
	"bidwatch/pkg/logger"

	"github.com/labstack/echo/v4"
)

type MonitorHandler struct {
	coordinator *services.MonitorCoordinator
	breaker     *gateway.CircuitBreaker
	log         logger.Logger
}

func NewMonitorHandler(coordinator *services.MonitorCoordinator, breaker *gateway.CircuitBreaker, log logger.Logger) *MonitorHandler {
	return &MonitorHandler{
		coordinator: coordinator,
		breaker:     breaker,
		log:         log,
	}
}

type monitorRequest struct {
	AuctionID          string  `json:"auction_id"`
	Mode               *string `json:"mode"`
	MaxBid             *int64  `json:"max_bid"`
	Increment          *int64  `json:"increment"`
	SnipeWindowSeconds *int64  `json:"snipe_window_seconds"`
	DailyCap           *int64  `json:"daily_cap"`
	TotalCap           *int64  `json:"total_cap"`
	StreamEnabled      *bool   `json:"stream_enabled"`
}

func (r *monitorRequest) patch() services.ConfigPatch {
	patch := services.ConfigPatch{
		MaxBid:        r.MaxBid,
		Increment:     r.Increment,
		DailyCap:      r.DailyCap,
		TotalCap:      r.TotalCap,
		StreamEnabled: r.StreamEnabled,
	}
	if r.Mode != nil {
		mode := domain.StrategyMode(*r.Mode)
		patch.Mode = &mode
	}
	if r.SnipeWindowSeconds != nil {
		window := time.Duration(*r.SnipeWindowSeconds) * time.Second
		patch.SnipeWindow = &window
	}
	return patch
}

func (h *MonitorHandler) Register(c echo.Context) error {
	var req monitorRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, errorBody("validation", "invalid request body"))
	}

	record, err := h.coordinator.Register(c.Request().Context(), req.AuctionID, req.patch())
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusCreated, record)
}

func (h *MonitorHandler) Cancel(c echo.Context) error {
	auctionID := c.Param("id")

	if err := h.coordinator.Cancel(c.Request().Context(), auctionID); err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"auction_id": auctionID, "status": "cancelled"})
}

func (h *MonitorHandler) UpdateConfig(c echo.Context) error {
	auctionID := c.Param("id")

	var req monitorRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, errorBody("validation", "invalid request body"))
	}

	record, err := h.coordinator.UpdateConfig(c.Request().Context(), auctionID, req.patch())
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, record)
}

func (h *MonitorHandler) List(c echo.Context) error {
	records := h.coordinator.List()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"auctions": records,
		"count":    len(records),
	})
}

func (h *MonitorHandler) BidHistory(c echo.Context) error {
	auctionID := c.Param("id")

	attempts, err := h.coordinator.BidHistory(c.Request().Context(), auctionID)
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"auction_id": auctionID,
		"attempts":   attempts,
	})
}

func (h *MonitorHandler) Resume(c echo.Context) error {
	auctionID := c.Param("id")

	if err := h.coordinator.Resume(c.Request().Context(), auctionID); err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"auction_id": auctionID, "status": "resumed"})
}

func (h *MonitorHandler) BreakerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.breaker.Status())
}

type breakerForceRequest struct {
	State string `json:"state"`
}

// BreakerForce is the operational override: force the circuit open or reset
// it to closed, bypassing the normal transition rules.
func (h *MonitorHandler) BreakerForce(c echo.Context) error {
	var req breakerForceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("validation", "invalid request body"))
	}

	switch req.State {
	case "open":
		h.breaker.ForceOpen()
	case "closed":
		h.breaker.ForceClose()
	default:
		return c.JSON(http.StatusBadRequest, errorBody("validation", "state must be open or closed"))
	}

	h.log.Warn("Circuit breaker forced", "state", req.State)
	return c.JSON(http.StatusOK, h.breaker.Status())
}

// writeError maps the failure taxonomy onto structured responses so a caller
// can tell a bad request from a transient backend problem.
func (h *MonitorHandler) writeError(c echo.Context, err error) error {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusBadRequest, errorBody("validation", validationErr.Error()))
	case errors.Is(err, domain.ErrAlreadyMonitored):
		return c.JSON(http.StatusConflict, errorBody("conflict", err.Error()))
	case errors.Is(err, domain.ErrNotMonitored):
		return c.JSON(http.StatusNotFound, errorBody("not_found", err.Error()))
	default:
		h.log.Error("Gateway-facing request failed", "error", err)
		return c.JSON(http.StatusBadGateway, errorBody("external", "external auction system unavailable"))
	}
}

func errorBody(kind, message string) map[string]string {
	return map[string]string{"kind": kind, "error": message}
}
