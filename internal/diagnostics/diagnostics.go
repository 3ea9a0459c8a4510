// Package diagnostics collects a JSON-serializable snapshot of a running
// server's state: connection registry, event-queue depth, updated
// counter, uptime and Go runtime stats — scoped to what an embeddable RFB
// server actually has to report, with no database/plugin/tenant sections.
package diagnostics

import (
	"runtime"
	"time"
)

// ConnectionInfo is one live connection as reported by the server's
// registry.
type ConnectionInfo struct {
	Handle     string `json:"handle"`
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
	Version    int    `json:"version"`
}

// Source supplies the live values a Bundle is built from. The Server type
// implements it without exporting its internal registry or queue types.
type Source interface {
	State() uint32
	Connections() []ConnectionInfo
	QueueLen() int
	Updated() uint64
}

// Bundle is a point-in-time snapshot of server state.
type Bundle struct {
	GeneratedAt time.Time        `json:"generated_at"`
	System      SystemInfo       `json:"system"`
	Server      ServerInfo       `json:"server"`
	Connections []ConnectionInfo `json:"connections"`
	EventQueue  EventQueueInfo   `json:"event_queue"`
	Runtime     RuntimeInfo      `json:"runtime"`
}

// SystemInfo is basic process/host information.
type SystemInfo struct {
	GoVersion     string  `json:"go_version"`
	GOOS          string  `json:"goos"`
	GOARCH        string  `json:"goarch"`
	NumCPU        int     `json:"num_cpu"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ServerInfo mirrors the server's lifecycle state word and updated
// counter.
type ServerInfo struct {
	State           uint32 `json:"state"`
	UpdatedCounter  uint64 `json:"updated_counter"`
	ConnectionCount int    `json:"connection_count"`
}

// EventQueueInfo reports how full the bounded event queue is.
type EventQueueInfo struct {
	Length   int `json:"length"`
	Capacity int `json:"capacity"`
}

// QueueCapacity is the fixed event-queue size reported in every Bundle;
// duplicated here (rather than importing internal/queue) to keep this
// package free of a dependency on the server's event representation.
const QueueCapacity = 128

// Collector gathers diagnostic information from a running server.
type Collector struct {
	src     Source
	started time.Time
}

// NewCollector returns a Collector reading live state from src, reporting
// uptime relative to started.
func NewCollector(src Source, started time.Time) *Collector {
	return &Collector{src: src, started: started}
}

// Collect gathers a full snapshot.
func (c *Collector) Collect() *Bundle {
	conns := c.src.Connections()
	return &Bundle{
		GeneratedAt: time.Now().UTC(),
		System:      c.collectSystemInfo(),
		Server: ServerInfo{
			State:           c.src.State(),
			UpdatedCounter:  c.src.Updated(),
			ConnectionCount: len(conns),
		},
		Connections: conns,
		EventQueue: EventQueueInfo{
			Length:   c.src.QueueLen(),
			Capacity: QueueCapacity,
		},
		Runtime: c.collectRuntimeInfo(),
	}
}

func (c *Collector) collectSystemInfo() SystemInfo {
	uptime := time.Since(c.started)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
}

// RuntimeInfo is Go runtime memory/goroutine information.
type RuntimeInfo struct {
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

// MemoryStats is a trimmed view of runtime.MemStats.
type MemoryStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

func (c *Collector) collectRuntimeInfo() RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(memStats.Alloc) / 1024 / 1024,
			TotalAllocMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			SysMB:        float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
	}
}
