package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	persistlog "appworld.ai/internal/persistence/log"
	"appworld.ai/internal/persistence/snapshot"
	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/script"
	"appworld.ai/internal/sim/world"
)

func main() {
	var (
		snapPath  = flag.String("snapshot", "", "path to .snap.zst (optional; replay starts from an empty world otherwise)")
		netDir    = flag.String("net", "", "net journal dir containing net-*.jsonl.zst (optional)")
		configDir = flag.String("configs", "./configs", "config directory (blueprints.yaml)")
		assetDir  = flag.String("assets", "./assets", "asset directory")
		worldID   = flag.String("world", "world_1", "world id when no snapshot is given")
		since     = flag.String("since", "", "skip journal entries before this RFC3339 time (default: snapshot saved_at)")
		verbose   = flag.Bool("v", false, "log refused frames")
	)
	flag.Parse()

	var snap *snapshot.SnapshotV1
	if *snapPath != "" {
		s, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		snap = &s
		*worldID = s.Header.WorldID
		fmt.Printf("snapshot v%d world=%s tick=%d saved_at=%s blueprints=%d entities=%d chat=%d\n",
			s.Header.Version, s.Header.WorldID, s.Header.Tick, time.Unix(s.Header.SavedAt, 0).UTC().Format(time.RFC3339),
			len(s.World.Blueprints), len(s.World.Entities), len(s.World.Chat))
	}
	if *netDir == "" {
		if snap == nil {
			fmt.Fprintln(os.Stderr, "need -snapshot or -net")
			os.Exit(2)
		}
		return
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "[replay] ", 0)
	}
	store := blueprint.NewStore()
	if bps, err := blueprint.LoadCatalog(filepath.Join(*configDir, "blueprints.yaml")); err == nil {
		if _, err := store.Seed(bps); err != nil {
			fmt.Fprintln(os.Stderr, "seed blueprints:", err)
			os.Exit(1)
		}
	}
	sink := &countingNet{sent: map[string]int{}}
	w := world.New(world.Config{ID: *worldID, Logger: logger}, world.Deps{
		Blueprints: store,
		Loader:     asset.NewFileLoader(*assetDir, script.Builtins()),
		Network:    sink,
	})
	var from time.Time
	if snap != nil {
		if err := w.Restore(*snap); err != nil {
			fmt.Fprintln(os.Stderr, "restore:", err)
			os.Exit(1)
		}
		from = time.Unix(snap.Header.SavedAt, 0)
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -since:", err)
			os.Exit(2)
		}
		from = t
	}

	files, err := persistlog.Files(*netDir, "net")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *netDir)
		os.Exit(1)
	}

	r := &replayer{w: w, from: from, logger: logger, peers: map[string]bool{}, refused: map[string]int{}}
	for _, path := range files {
		if err := persistlog.ReadJSONL(path, r.apply); err != nil {
			fmt.Fprintf(os.Stderr, "replay %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
	w.Settle()
	r.report(sink)
}

type replayer struct {
	w      *world.World
	from   time.Time
	logger *log.Logger

	peers   map[string]bool
	applied int
	skipped int
	refused map[string]int
}

// apply feeds one inbound frame to the world. A peer's first frame admits
// it, since joins are not journaled.
func (r *replayer) apply(line []byte) error {
	var e persistlog.NetLogEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if e.Dir != "in" {
		return nil
	}
	if !r.from.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, e.TS); err == nil && ts.Before(r.from) {
			r.skipped++
			return nil
		}
	}
	if !r.peers[e.Peer] {
		r.peers[e.Peer] = true
		r.w.Admit(world.JoinRequest{ID: e.Peer, Name: e.Peer})
	}
	env := protocol.Envelope{Type: e.Type, ProtocolVersion: protocol.Version, Data: e.Data}
	if err := r.w.HandleMessage(e.Peer, env); err != nil {
		r.refused[world.ErrorCode(err)]++
		r.logger.Printf("%s %s from %s: %v", e.TS, e.Type, e.Peer, err)
		return nil
	}
	r.applied++
	r.w.Settle()
	return nil
}

func (r *replayer) report(sink *countingNet) {
	modes := map[string]int{}
	apps, players := 0, 0
	for _, e := range r.w.Entities() {
		switch a := e.(type) {
		case *world.App:
			apps++
			modes[a.Mode().String()]++
		default:
			players++
		}
	}
	fmt.Printf("replay: peers=%d applied=%d skipped=%d refused=%s\n", len(r.peers), r.applied, r.skipped, counts(r.refused))
	fmt.Printf("world: apps=%d players=%d modes=%s blueprints=%d chat=%d stale_discards=%d relayed=%s\n",
		apps, players, counts(modes), r.w.Blueprints().Len(), len(r.w.ChatMessages()), r.w.StaleDiscards(), counts(sink.sent))
}

func counts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%d", k, m[k])
	}
	return out + "}"
}

// countingNet stands in for the server transport during replay.
type countingNet struct {
	sent map[string]int
}

func (n *countingNet) ID() string                       { return "server" }
func (n *countingNet) IsServer() bool                   { return true }
func (n *countingNet) Send(typ string, _ any, _ string) { n.sent[typ]++ }
