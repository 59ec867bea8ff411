package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teslawerk/telemetry/internal/logstore"
	"github.com/teslawerk/telemetry/internal/presence"
	"github.com/teslawerk/telemetry/internal/repository"
	"github.com/teslawerk/telemetry/internal/stats"
	"github.com/teslawerk/telemetry/internal/taximeter"
	"github.com/teslawerk/telemetry/pkg/ws"
)

// AlarmStateFunc resolves the current alarm state of a vehicle.
type AlarmStateFunc func(ctx context.Context, vehicleID string) (string, error)

// Handler serves the JSON read surface.
type Handler struct {
	logger         *zap.Logger
	aggregator     *stats.Aggregator
	presence       *presence.Manager
	store          *logstore.Store
	meter          *taximeter.Engine
	rides          *repository.RideRepository
	alarmState     AlarmStateFunc
	defaultVehicle string
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

func NewHandler(
	logger *zap.Logger,
	aggregator *stats.Aggregator,
	pres *presence.Manager,
	store *logstore.Store,
	meter *taximeter.Engine,
	rides *repository.RideRepository,
	alarmState AlarmStateFunc,
	defaultVehicle string,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		aggregator:     aggregator,
		presence:       pres,
		store:          store,
		meter:          meter,
		rides:          rides,
		alarmState:     alarmState,
		defaultVehicle: defaultVehicle,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/statistik", h.GetStatistics)
		api.GET("/alarm_state", h.GetAlarmState)
		api.GET("/data", h.GetData)

		api.POST("/taxameter/start", h.TaximeterStart)
		api.POST("/taxameter/pause", h.TaximeterPause)
		api.POST("/taxameter/stop", h.TaximeterStop)
		api.POST("/taxameter/reset", h.TaximeterReset)
		api.GET("/taxameter/status", h.TaximeterStatus)
		api.GET("/taxameter/trips", h.TaximeterTrips)
		api.GET("/taxameter/rides", h.TaximeterRides)
	}

	r.GET("/ws", h.HandleWebSocket)
	r.GET("/health", h.HealthCheck)
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	go client.ReadPump()
	go client.WritePump()
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

func (h *Handler) vehicleID(c *gin.Context) string {
	if vid := c.Query("vehicle_id"); vid != "" {
		return vid
	}
	if vid := c.PostForm("vehicle_id"); vid != "" {
		return vid
	}
	return h.defaultVehicle
}
