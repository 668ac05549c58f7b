package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"m-sync-go/internal/platform/observability"
)

// ConnectionCounter reports the live connection registry size.
type ConnectionCounter interface {
	Counts() (accounts int, connections int)
}

// HealthHandler serves liveness information and Prometheus metrics.
type HealthHandler struct {
	counter     ConnectionCounter
	metricsPath string
	started     time.Time
}

// NewHealthHandler creates the health handler. An empty metricsPath serves
// no metrics.
func NewHealthHandler(counter ConnectionCounter, metricsPath string) *HealthHandler {
	return &HealthHandler{counter: counter, metricsPath: metricsPath, started: time.Now()}
}

// RegisterRoutes mounts /api/health and the metrics endpoint.
func (h *HealthHandler) RegisterRoutes(router *Router) {
	router.API.GET("/health", h.Health)
	if h.metricsPath != "" {
		router.Engine.GET(h.metricsPath, gin.WrapH(observability.Handler()))
	}
}

// MemoryStats is the host memory summary of /api/health.
type MemoryStats struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// HealthResponse answers GET /api/health.
type HealthResponse struct {
	Status      string       `json:"status"`
	Uptime      string       `json:"uptime"`
	Accounts    int          `json:"accounts"`
	Connections int          `json:"connections"`
	Memory      *MemoryStats `json:"memory,omitempty"`
}

// Health reports connection counts and host memory.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if h.counter != nil {
		resp.Accounts, resp.Connections = h.counter.Counts()
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		resp.Memory = &MemoryStats{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}
	RespondSuccess(c, http.StatusOK, resp, "")
}
