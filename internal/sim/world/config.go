package world

import (
	"io"
	"log"
	"net/http"
	"time"

	"appworld.ai/internal/sim/tuning"
)

type Config struct {
	ID string

	TickRateHz    int
	FixedStepHz   int
	MaxFixedSteps int
	// NetworkRate is the movement broadcast interval and interpolation window.
	NetworkRate time.Duration

	SnapshotEveryTicks int
	ChatMaxMessages    int
	FetchTimeout       time.Duration

	Logger     *log.Logger
	HTTPClient *http.Client
}

func ConfigFromTuning(id string, t tuning.Tuning) Config {
	return Config{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		FixedStepHz:        t.FixedStepHz,
		MaxFixedSteps:      t.MaxFixedSteps,
		NetworkRate:        time.Duration(t.NetworkRateMs) * time.Millisecond,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
		ChatMaxMessages:    t.ChatMaxMessages,
		FetchTimeout:       time.Duration(t.FetchTimeoutMs) * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 30
	}
	if c.FixedStepHz <= 0 {
		c.FixedStepHz = 50
	}
	if c.MaxFixedSteps <= 0 {
		c.MaxFixedSteps = 5
	}
	if c.NetworkRate <= 0 {
		c.NetworkRate = 125 * time.Millisecond
	}
	if c.ChatMaxMessages <= 0 {
		c.ChatMaxMessages = 50
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}
