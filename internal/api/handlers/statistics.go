package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/upstream"
)

// GetStatistics serves the daily rows plus the derived monthly and
// yearly rollups. When no background aggregator runs, this triggers
// one inline tick.
func (h *Handler) GetStatistics(c *gin.Context) {
	report, err := h.aggregator.BuildReport()
	if err != nil {
		h.logger.Error("Failed to build statistics report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "statistics unavailable"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetAlarmState delegates to the configured alarm resolver.
func (h *Handler) GetAlarmState(c *gin.Context) {
	vid := h.vehicleID(c)
	state, err := h.alarmState(c.Request.Context(), vid)
	if err != nil {
		h.logger.Warn("Failed to resolve alarm state",
			zap.String("vehicle_id", vid), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"alarm_state": ""})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alarm_state": state})
}

// GetData returns the last merged snapshot of a vehicle together
// with its refined presence state.
func (h *Handler) GetData(c *gin.Context) {
	vid := h.vehicleID(c)

	var snap upstream.Snapshot
	if err := h.store.LoadCache(vid, &snap); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for vehicle"})
		return
	}
	snap.VehicleID = vid
	snap.Live = false
	snap.Source = "cache"

	payload := gin.H{"snapshot": snap}
	if machine, ok := h.presence.Get(vid); ok {
		payload["presence"] = machine.Status()
	}
	c.JSON(http.StatusOK, payload)
}
