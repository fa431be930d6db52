package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/csi.relay/internal/csi"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes mounts the collector's debug pages under /debug/ on mux.
func (c *Collector) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("csi-chart", "Latest and mean values per source", http.HandlerFunc(c.handleChart))
	debug.Handle("collector", "Collector counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
}

// handleChart renders one line chart per source: the latest value list and
// the running mean. ?mac= limits the page to one source.
func (c *Collector) handleChart(w http.ResponseWriter, r *http.Request) {
	sources := c.profile.Sources()
	if q := r.URL.Query().Get("mac"); q != "" {
		mac, err := csi.ParseMAC(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources = []csi.MAC{mac}
	}
	if len(sources) == 0 || c.profile.Latest(sources[0]) == nil {
		http.Error(w, "no records received yet", http.StatusNotFound)
		return
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	for _, mac := range sources {
		latest := c.profile.Latest(mac)
		if latest == nil {
			continue
		}
		page.AddCharts(c.sourceChart(mac, latest, c.profile.Mean(mac)))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (c *Collector) sourceChart(mac csi.MAC, latest, mean []float64) *charts.Line {
	n := max(len(latest), len(mean))
	x := make([]string, n)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: mac.String(), Subtitle: fmt.Sprintf("session=%s values=%d", c.cfg.SessionID, len(latest))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "index", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x).
		AddSeries("latest", lineData(latest)).
		AddSeries("mean", lineData(mean))
	return line
}

func lineData(vs []float64) []opts.LineData {
	out := make([]opts.LineData, len(vs))
	for i, v := range vs {
		out[i] = opts.LineData{Value: v}
	}
	return out
}
