package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"appworld.ai/internal/transport/observer"
)

// metricsHandler writes a minimal Prometheus exposition of the world status.
func metricsHandler(obs *observer.Server, worldID string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st, err := obs.Status(ctx)
		if err != nil {
			http.Error(rw, "world busy", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP appworld_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE appworld_world_tick gauge\n")
		fmt.Fprintf(rw, "appworld_world_tick{world=%q} %d\n", worldID, st.Tick)

		fmt.Fprintf(rw, "# HELP appworld_world_players Players in the world.\n")
		fmt.Fprintf(rw, "# TYPE appworld_world_players gauge\n")
		fmt.Fprintf(rw, "appworld_world_players{world=%q} %d\n", worldID, st.Players)

		fmt.Fprintf(rw, "# HELP appworld_world_sessions Connected websocket sessions.\n")
		fmt.Fprintf(rw, "# TYPE appworld_world_sessions gauge\n")
		fmt.Fprintf(rw, "appworld_world_sessions{world=%q} %d\n", worldID, st.Sessions)

		fmt.Fprintf(rw, "# HELP appworld_world_blueprints Blueprints in the store.\n")
		fmt.Fprintf(rw, "# TYPE appworld_world_blueprints gauge\n")
		fmt.Fprintf(rw, "appworld_world_blueprints{world=%q} %d\n", worldID, st.Blueprints)

		fmt.Fprintf(rw, "# HELP appworld_world_hot_entities Entities ticked every frame.\n")
		fmt.Fprintf(rw, "# TYPE appworld_world_hot_entities gauge\n")
		fmt.Fprintf(rw, "appworld_world_hot_entities{world=%q} %d\n", worldID, st.Hot)

		fmt.Fprintf(rw, "# HELP appworld_build_stale_discards_total Build results discarded because a newer build superseded them.\n")
		fmt.Fprintf(rw, "# TYPE appworld_build_stale_discards_total counter\n")
		fmt.Fprintf(rw, "appworld_build_stale_discards_total{world=%q} %d\n", worldID, st.StaleDiscards)

		modes := map[string]int{"LOADING": 0, "ACTIVE": 0, "MOVING": 0, "CRASHED": 0}
		for _, a := range st.Apps {
			modes[a.Mode]++
		}
		fmt.Fprintf(rw, "# HELP appworld_apps Apps by mode.\n")
		fmt.Fprintf(rw, "# TYPE appworld_apps gauge\n")
		for _, m := range []string{"LOADING", "ACTIVE", "MOVING", "CRASHED"} {
			fmt.Fprintf(rw, "appworld_apps{world=%q,mode=%q} %d\n", worldID, m, modes[m])
		}
	}
}
