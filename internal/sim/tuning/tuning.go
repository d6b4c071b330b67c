package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// Variable-step update rate of the server loop.
	TickRateHz int `yaml:"tick_rate_hz"`
	// Fixed-step rate for fixedUpdate delivery.
	FixedStepHz int `yaml:"fixed_step_hz"`
	// Upper bound of fixed steps run in a single tick (catch-up clamp).
	MaxFixedSteps int `yaml:"max_fixed_steps"`
	// Interval between movement broadcasts; also the interpolation window.
	NetworkRateMs int `yaml:"network_rate_ms"`

	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	ChatMaxMessages    int `yaml:"chat_max_messages"`
	ClientMaxQueue     int `yaml:"client_max_queue"`
	FetchTimeoutMs     int `yaml:"fetch_timeout_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         30,
		FixedStepHz:        50,
		MaxFixedSteps:      5,
		NetworkRateMs:      125,
		SnapshotEveryTicks: 30 * 60,
		ChatMaxMessages:    50,
		ClientMaxQueue:     256,
		FetchTimeoutMs:     10000,
	}
}

// Load reads a tuning file; unset fields keep their defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 240 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.FixedStepHz <= 0 || t.FixedStepHz > 480 {
		return fmt.Errorf("fixed_step_hz out of range: %d", t.FixedStepHz)
	}
	if t.NetworkRateMs <= 0 {
		return fmt.Errorf("network_rate_ms must be positive: %d", t.NetworkRateMs)
	}
	if t.MaxFixedSteps <= 0 {
		return fmt.Errorf("max_fixed_steps must be positive: %d", t.MaxFixedSteps)
	}
	return nil
}
