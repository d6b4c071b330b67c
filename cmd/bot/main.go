package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
	"appworld.ai/internal/sim/world"
	"appworld.ai/internal/transport/ws"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		assetDir = flag.String("assets", "./assets", "asset directory for the local loader")
		spawn    = flag.String("spawn", "", "blueprint id to spawn and drag (optional)")
		dragFor  = flag.Duration("drag", 3*time.Second, "how long to drag the spawned app before placing it")
		say      = flag.String("say", "", "chat message to send after joining (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := ws.Dial(dialCtx, *url, *name, 256, logger)
	dialCancel()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	wm := c.Welcome()
	logger.Printf("welcome network_id=%s entities=%d blueprints=%d", wm.NetworkID, len(wm.Snapshot.Entities), len(wm.Snapshot.Blueprints))

	w := world.New(world.Config{
		ID:          "mirror",
		NetworkRate: time.Duration(wm.NetworkRateMs) * time.Millisecond,
		Logger:      logger,
	}, world.Deps{
		Network:  c,
		Loader:   asset.NewFileLoader(*assetDir, script.Builtins()),
		Controls: input.NewControls(),
	})
	if err := w.Import(wm.Snapshot); err != nil {
		logger.Fatalf("import: %v", err)
	}
	w.Bus().On(events.Chat, func(ev events.Event) {
		if m, ok := ev.Data.(protocol.ChatMessage); ok {
			logger.Printf("chat %s: %s", m.From, m.Body)
		}
	})
	w.Bus().On(events.Enter, func(ev events.Event) { logger.Printf("enter %v", ev.Data) })
	w.Bus().On(events.Leave, func(ev events.Event) { logger.Printf("leave %v", ev.Data) })

	go func() {
		if err := c.Pump(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("connection closed: %v", err)
		}
		cancel()
	}()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if *say != "" {
		w.Do(func(w *world.World) { w.Chat(wm.NetworkID, *name, *say, true) })
	}
	if *spawn != "" {
		if err := dragSession(ctx, w, *spawn, *dragFor, logger); err != nil {
			logger.Printf("drag: %v", err)
		}
	}
	<-done
}

// dragSession spawns an app, takes movement authority and walks it around a
// circle by feeding synthetic pointer frames, then places it.
func dragSession(ctx context.Context, w *world.World, bp string, d time.Duration, logger *log.Logger) error {
	errc := make(chan error, 1)
	var id string
	w.Do(func(w *world.World) {
		a, err := w.SpawnApp(bp, scene.Vec3{})
		if err != nil {
			errc <- err
			return
		}
		id = a.ID()
		errc <- a.Move()
	})
	if err := <-errc; err != nil {
		return err
	}
	logger.Printf("spawned %s (%s), dragging for %s", id, bp, d)

	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			el := now.Sub(start)
			angle := el.Seconds()
			hit := scene.V3(3*math.Cos(angle), 0, 3*math.Sin(angle))
			f := input.Frame{Pointer: input.Pointer{Position: hit, Hit: &hit}, Scroll: 1}
			if el >= d {
				f.Pressed = []string{"MouseLeft"}
			}
			select {
			case w.Frames() <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
			if el >= d {
				logger.Printf("placed %s at %.2f,%.2f,%.2f", id, hit.X, hit.Y, hit.Z)
				return nil
			}
		}
	}
}
