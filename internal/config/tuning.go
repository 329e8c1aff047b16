package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"followup-engine/internal/pattern"
)

// Tuning holds the options that may change while the engine runs.
type Tuning struct {
	DetectionInterval    time.Duration
	MaxCampaignsPerCycle int
	MaxPhonesPerCampaign int
	BatchSize            int
	DelayBetweenBatches  time.Duration
	SendTimeout          time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	Holidays             pattern.HolidayProvider
}

// DefaultTuning returns the built-in option values.
func DefaultTuning() Tuning {
	return Tuning{
		DetectionInterval:    60 * time.Second,
		MaxCampaignsPerCycle: 500,
		MaxPhonesPerCampaign: 1000,
		BatchSize:            50,
		DelayBetweenBatches:  time.Second,
		SendTimeout:          15 * time.Second,
		MaxRetries:           3,
		RetryBaseDelay:       500 * time.Millisecond,
		Holidays:             pattern.NoHolidays{},
	}
}

type tuningFile struct {
	DetectionIntervalMS   *int64              `yaml:"detection_interval_ms"`
	MaxCampaignsPerCycle  *int                `yaml:"max_campaigns_per_cycle"`
	MaxPhonesPerCampaign  *int                `yaml:"max_phones_per_campaign"`
	BatchSize             *int                `yaml:"batch_size"`
	DelayBetweenBatchesMS *int64              `yaml:"delay_between_batches_ms"`
	SendTimeoutMS         *int64              `yaml:"send_timeout_ms"`
	MaxRetries            *int                `yaml:"max_retries"`
	RetryBaseDelayMS      *int64              `yaml:"retry_base_delay_ms"`
	Holidays              map[string][]string `yaml:"holidays"`
}

// ParseTuning decodes YAML over the defaults. Missing keys keep their default.
func ParseTuning(data []byte) (Tuning, error) {
	var f tuningFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Tuning{}, fmt.Errorf("decode tuning: %w", err)
	}

	t := DefaultTuning()
	setMillis(&t.DetectionInterval, f.DetectionIntervalMS)
	setMillis(&t.DelayBetweenBatches, f.DelayBetweenBatchesMS)
	setMillis(&t.SendTimeout, f.SendTimeoutMS)
	setMillis(&t.RetryBaseDelay, f.RetryBaseDelayMS)
	setInt(&t.MaxCampaignsPerCycle, f.MaxCampaignsPerCycle)
	setInt(&t.MaxPhonesPerCampaign, f.MaxPhonesPerCampaign)
	setInt(&t.BatchSize, f.BatchSize)
	setInt(&t.MaxRetries, f.MaxRetries)

	if len(f.Holidays) > 0 {
		h, err := pattern.NewStaticHolidays(f.Holidays)
		if err != nil {
			return Tuning{}, fmt.Errorf("decode holidays: %w", err)
		}
		t.Holidays = h
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate rejects values the engine cannot run with.
func (t Tuning) Validate() error {
	switch {
	case t.DetectionInterval < time.Second:
		return fmt.Errorf("detection_interval_ms must be at least 1000")
	case t.MaxCampaignsPerCycle < 1:
		return fmt.Errorf("max_campaigns_per_cycle must be positive")
	case t.MaxPhonesPerCampaign < 1:
		return fmt.Errorf("max_phones_per_campaign must be positive")
	case t.BatchSize < 1:
		return fmt.Errorf("batch_size must be positive")
	case t.DelayBetweenBatches < 0:
		return fmt.Errorf("delay_between_batches_ms must not be negative")
	case t.SendTimeout <= 0:
		return fmt.Errorf("send_timeout_ms must be positive")
	case t.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative")
	case t.RetryBaseDelay < 0:
		return fmt.Errorf("retry_base_delay_ms must not be negative")
	}
	return nil
}

func setMillis(dst *time.Duration, ms *int64) {
	if ms != nil {
		*dst = time.Duration(*ms) * time.Millisecond
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// TuningSource yields the options for the next cycle.
type TuningSource interface {
	Current() Tuning
}

// Static is a TuningSource that never changes.
type Static Tuning

func (s Static) Current() Tuning { return Tuning(s) }

// TuningWatcher re-reads a YAML file whenever its modification time changes.
// A broken file keeps the last good options in force.
type TuningWatcher struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current Tuning
	modTime time.Time
}

// NewTuningWatcher loads path once. An empty path serves the defaults.
func NewTuningWatcher(path string, logger *slog.Logger) (*TuningWatcher, error) {
	w := &TuningWatcher{path: path, logger: logger.With("component", "tuning"), current: DefaultTuning()}
	if path == "" {
		return w, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat tuning file: %w", err)
	}
	t, err := loadTuningFile(path)
	if err != nil {
		return nil, err
	}
	w.current = t
	w.modTime = info.ModTime()
	return w, nil
}

// Current returns the live options, reloading the file first when it changed.
func (w *TuningWatcher) Current() Tuning {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == "" {
		return w.current
	}

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("stat tuning file failed", "path", w.path, "error", err)
		return w.current
	}
	if info.ModTime().Equal(w.modTime) {
		return w.current
	}

	t, err := loadTuningFile(w.path)
	if err != nil {
		w.logger.Error("reload tuning failed, keeping previous values", "path", w.path, "error", err)
		w.modTime = info.ModTime()
		return w.current
	}
	w.current = t
	w.modTime = info.ModTime()
	w.logger.Info("tuning reloaded", "path", w.path, "interval", t.DetectionInterval, "batch_size", t.BatchSize)
	return w.current
}

func loadTuningFile(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	return ParseTuning(data)
}
