package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

var startTime = time.Now()

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)]++
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// Health reports engine liveness plus the gauges the live runner cares about:
// current cycle state, connection health and monitor tick latency.
func Health() http.Handler {
	type health struct {
		Status      string  `json:"status"`
		Timestamp   string  `json:"timestamp"`
		Uptime      string  `json:"uptime"`
		CycleState  string  `json:"cycle_state,omitempty"`
		Connected   bool    `json:"connected"`
		TickP95Ms   float64 `json:"monitor_tick_p95_ms"`
		OpenPosGage float64 `json:"open_positions"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		h := health{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
		}
		if g, ok := reg.gauges["connection_healthy"]; ok {
			for _, v := range g {
				h.Connected = v == 1
				break
			}
		}
		if g, ok := reg.gauges["open_positions"]; ok {
			for _, v := range g {
				h.OpenPosGage = v
				break
			}
		}
		if samples, ok := reg.hist["monitor_tick_ms"]; ok {
			for _, s := range samples {
				if len(s) > 0 {
					h.TickP95Ms = p95(s)
					break
				}
			}
		}
		if !h.Connected {
			h.Status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})
}

func p95(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	i := int(float64(len(sorted)) * 0.95)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}
