package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/taximeter"
	"github.com/teslawerk/telemetry/internal/tracker"
	"github.com/teslawerk/telemetry/internal/units"
)

func (h *Handler) TaximeterStart(c *gin.Context) {
	if vid := c.PostForm("vehicle_id"); vid != "" {
		h.meter.SetVehicleID(vid)
	}
	if _, err := h.meter.Start(c.Request.Context()); err != nil {
		h.taximeterError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.meter.Status())
}

func (h *Handler) TaximeterPause(c *gin.Context) {
	if _, err := h.meter.Pause(c.Request.Context()); err != nil {
		h.taximeterError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.meter.Status())
}

func (h *Handler) TaximeterStop(c *gin.Context) {
	result, err := h.meter.Stop(c.Request.Context())
	if err != nil {
		h.taximeterError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) TaximeterReset(c *gin.Context) {
	if _, err := h.meter.Reset(c.Request.Context()); err != nil {
		h.taximeterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (h *Handler) TaximeterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.meter.Status())
}

func (h *Handler) taximeterError(c *gin.Context, err error) {
	if errors.Is(err, taximeter.ErrVehicleIDUnset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("Taximeter operation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "taximeter unavailable"})
}

// TaximeterTrips lists the ride segments of one recorded trip file.
func (h *Handler) TaximeterTrips(c *gin.Context) {
	selected := c.Query("file")
	if selected == "" || strings.Contains(selected, "..") || !strings.HasSuffix(selected, ".csv") {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown trip file"})
		return
	}
	path := filepath.Join(h.store.Dir(), selected)

	segments := tracker.SplitTripSegments(path)
	if len(segments) == 0 {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}

	result := make([]gin.H, 0, len(segments))
	for idx, seg := range segments {
		start := time.UnixMilli(seg.StartMs).In(units.Location())
		end := time.UnixMilli(seg.EndMs).In(units.Location())
		result = append(result, gin.H{
			"value":    fmt.Sprintf("file=%s&segment=%d", selected, idx+1),
			"label":    fmt.Sprintf("%s - %s", start.Format("2006-01-02 15:04"), end.Format("15:04")),
			"distance": seg.DistanceKm,
			"wait":     seg.WaitSeconds,
		})
	}
	c.JSON(http.StatusOK, result)
}

// TaximeterRides lists stored rides for a vehicle, newest first.
func (h *Handler) TaximeterRides(c *gin.Context) {
	vid := h.vehicleID(c)
	rides, err := h.rides.ListByVehicle(c.Request.Context(), vid, 50)
	if err != nil {
		h.logger.Error("Failed to list rides", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rides unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rides": rides})
}
