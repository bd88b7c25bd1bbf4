package main

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/julienschmidt/httprouter"
)

// perfReportHandler renders recent per-player FPS and latency as a pair of
// line charts. Debug surface; data comes from the hub's rolling history.
func perfReportHandler(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub := gm.findHub(ps.ByName("gameid"))
		if hub == nil {
			http.NotFound(w, r)
			return
		}

		history := hub.perfSnapshot()
		if len(history) == 0 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(newPage("Smirkle Performance", "No performance samples yet.")))
			return
		}

		names := make([]string, 0, len(history))
		longest := 0
		for name, samples := range history {
			names = append(names, name)
			if len(samples) > longest {
				longest = len(samples)
			}
		}
		sort.Strings(names)

		xAxis := make([]string, longest)
		for i := range xAxis {
			xAxis[i] = strconv.Itoa(i)
		}

		fpsChart := charts.NewLine()
		fpsChart.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "Frames per second", Subtitle: "game " + hub.id}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		)
		fpsChart.SetXAxis(xAxis)

		latencyChart := charts.NewLine()
		latencyChart.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "Detection latency (ms)", Subtitle: "game " + hub.id}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		)
		latencyChart.SetXAxis(xAxis)

		for _, name := range names {
			samples := history[name]
			fps := make([]opts.LineData, len(samples))
			latency := make([]opts.LineData, len(samples))
			for i, s := range samples {
				fps[i] = opts.LineData{Value: s.FPS}
				latency[i] = opts.LineData{Value: s.LatencyMs}
			}
			fpsChart.AddSeries(name, fps)
			latencyChart.AddSeries(name, latency)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := fpsChart.Render(w); err != nil {
			gm.log.WithError(err).Error("rendering fps chart")
			return
		}
		if err := latencyChart.Render(w); err != nil {
			gm.log.WithError(err).Error("rendering latency chart")
		}
	}
}
