package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"appworld.ai/internal/persistence/indexdb"
	"appworld.ai/internal/persistence/snapshot"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/tuning"
	"appworld.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.AuditLogger
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	RecordBlueprint(bp blueprint.Blueprint)
	RecordSnapshot(path string, size int64, snap snapshot.SnapshotV1)
	LoadBlueprints(ctx context.Context) ([]blueprint.Blueprint, error)
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("APPWORLD_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported APPWORLD_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
