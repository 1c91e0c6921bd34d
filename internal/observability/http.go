package observability

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// Gauge reports a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Value func() int64
}

type report struct {
	Snapshot
	Gauges map[string]int64 `json:"gauges,omitempty"`
}

// Handler serves the metrics snapshot and sampled gauges as JSON. Only GET is allowed.
func Handler(metrics *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		out := report{Snapshot: metrics.Snapshot()}
		if len(gauges) > 0 {
			out.Gauges = make(map[string]int64, len(gauges))
			for _, g := range gauges {
				out.Gauges[g.Name] = g.Value()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(out)
	})
}
