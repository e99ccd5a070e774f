package config

import (
	"fmt"
	"sync/atomic"
)

// Holder publishes the current Config to components that read settings on
// every call. Reload swaps the whole snapshot atomically, so a reader never
// sees a half-applied file.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewHolder returns a Holder serving cfg. path is re-read by Reload.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Get returns the current snapshot. Callers must not mutate it.
func (h *Holder) Get() *Config { return h.cur.Load() }

// Reload re-reads the config file and swaps it in if it validates. On error
// the previous snapshot stays active.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: reload: %w", err)
	}
	h.cur.Store(cfg)
	return cfg, nil
}

// Retry returns the current retry settings.
func (h *Holder) Retry() RetryConfig { return h.Get().Retry }

// Guard returns the current guard settings.
func (h *Holder) Guard() GuardConfig { return h.Get().Guard }

// Worker returns the current worker settings.
func (h *Holder) Worker() WorkerConfig { return h.Get().Worker }

// Submit returns the current submission gate settings.
func (h *Holder) Submit() SubmitConfig { return h.Get().Submit }
