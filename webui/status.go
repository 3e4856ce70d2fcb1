package webui

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/process"

	"opcua-gateway/driver/opcua"
	"opcua-gateway/logic"
)

// Status is the body of GET /api/status.
type Status struct {
	Driver     string  `json:"driver"`
	Session    string  `json:"session"`
	Endpoint   string  `json:"endpoint"`
	Subscribed int     `json:"subscribed"`
	Clients    int     `json:"websocketClients"`
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	MemoryRSS  uint64  `json:"memoryRss,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) getStatus(c *gin.Context) {
	cfg := s.dm.Config()
	st := Status{
		Driver:     s.dm.Status(),
		Session:    opcua.StateClosed.String(),
		Endpoint:   opcua.Endpoint(cfg.Session.Host, cfg.Session.Port, cfg.Session.Path),
		Clients:    s.hub.Len(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	if g := s.dm.Gateway(); g != nil {
		st.Session = g.State().String()
		st.Subscribed = len(g.Subscribed())
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			st.MemoryRSS = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
	} else {
		s.log.Debugf("WEBUI: process figures unavailable: %v", err)
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) restartDriver(c *gin.Context) {
	go s.dm.Restart(nil)
	c.JSON(http.StatusAccepted, gin.H{"message": "driver restart requested"})
}

func getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": logic.GetLogs()})
}

func clearLogs(c *gin.Context) {
	logic.ClearLogs()
	c.Status(http.StatusNoContent)
}
