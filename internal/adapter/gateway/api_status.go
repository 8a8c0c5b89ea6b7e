package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"shelfsync/internal/bridge"
	"shelfsync/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/status.
type StatusResponse struct {
	Bridge  BridgeStatus          `json:"bridge"`
	Devices []bridge.DeviceStatus `json:"devices"`
	Deltas  DeltaCounters         `json:"deltas"`
}

// BridgeStatus holds bridge overview info.
type BridgeStatus struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	DeviceCount   int   `json:"device_count"`
	Connected     int   `json:"connected"`
}

// DeltaCounters holds relay counters since startup.
type DeltaCounters struct {
	Accepted     int64 `json:"accepted"`
	Duplicate    int64 `json:"duplicate"`
	Rejected     int64 `json:"rejected"`
	ConfigPushes int64 `json:"config_pushes"`
}

// Metrics tracks event counts for the status API.
type Metrics struct {
	deltasAccepted  atomic.Int64
	deltasDuplicate atomic.Int64
	deltasRejected  atomic.Int64
	configPushes    atomic.Int64
}

func (m *Metrics) observe(event domain.Event) {
	switch event.Type {
	case domain.EventDeltaAccepted:
		m.deltasAccepted.Add(1)
	case domain.EventDeltaDuplicate:
		m.deltasDuplicate.Add(1)
	case domain.EventDeltaRejected:
		m.deltasRejected.Add(1)
	case domain.EventConfigPushed:
		m.configPushes.Add(1)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		devices := s.provider.Status()
		connected := 0
		for _, d := range devices {
			if d.Session == domain.ConnConnected {
				connected++
			}
		}

		resp := StatusResponse{
			Bridge: BridgeStatus{
				UptimeSeconds: int64(time.Since(s.started).Seconds()),
				DeviceCount:   len(devices),
				Connected:     connected,
			},
			Devices: devices,
			Deltas: DeltaCounters{
				Accepted:     s.metrics.deltasAccepted.Load(),
				Duplicate:    s.metrics.deltasDuplicate.Load(),
				Rejected:     s.metrics.deltasRejected.Load(),
				ConfigPushes: s.metrics.configPushes.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
