// Package thermal samples GPU telemetry and classifies whether it is safe to
// keep the accelerator busy.
package thermal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/time/rate"
)

// Class is the health classification of a sample.
type Class string

// Classes, from coolest to hottest, plus UNKNOWN when telemetry is unavailable.
const (
	ClassNormal    Class = "NORMAL"
	ClassThrottle  Class = "THROTTLE"
	ClassEmergency Class = "EMERGENCY"
	ClassUnknown   Class = "UNKNOWN"
)

const (
	DefaultCommand          = "nvidia-smi"
	DefaultThrottleCelsius  = 85.0
	DefaultEmergencyCelsius = 90.0
	DefaultQueryTimeout     = 5 * time.Second
	DefaultCacheInterval    = time.Second
)

var queryArgs = []string{
	"--query-gpu=temperature.gpu,utilization.gpu,memory.used,memory.total",
	"--format=csv,noheader,nounits",
}

var (
	// ErrNoTelemetry indicates the tool produced no data line.
	ErrNoTelemetry = errors.New("telemetry tool returned no data")
	// ErrMalformedTelemetry indicates the data line could not be parsed.
	ErrMalformedTelemetry = errors.New("malformed telemetry line")
)

// Sample is one telemetry reading. It is never persisted.
type Sample struct {
	TemperatureC   float64 `json:"temperature"`
	UtilizationPct float64 `json:"utilization"`
	MemUsedMB      float64 `json:"memory_used"`
	MemTotalMB     float64 `json:"memory_total"`
	Class          Class   `json:"status"`
}

// Thresholds separates NORMAL, THROTTLE and EMERGENCY.
type Thresholds struct {
	ThrottleCelsius  float64
	EmergencyCelsius float64
}

// Classify maps a temperature to its class.
func (t Thresholds) Classify(temperature float64) Class {
	switch {
	case temperature >= t.EmergencyCelsius:
		return ClassEmergency
	case temperature >= t.ThrottleCelsius:
		return ClassThrottle
	default:
		return ClassNormal
	}
}

// commandRunner executes the telemetry tool and returns its stdout.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	// #nosec G204 -- the tool path comes from trusted configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	return output, nil
}

// Options configures a Monitor.
type Options struct {
	Command       string
	Thresholds    Thresholds
	QueryTimeout  time.Duration
	CacheInterval time.Duration
}

// Monitor queries GPU telemetry. It is safe for concurrent use.
type Monitor struct {
	command    string
	thresholds Thresholds
	timeout    time.Duration
	runner     commandRunner
	limiter    *rate.Limiter
	log        *logger.Logger

	mu     sync.RWMutex
	latest Sample
}

// New creates a Monitor that runs the configured telemetry tool.
func New(opts Options, log *logger.Logger) *Monitor {
	return newMonitor(opts, execRunner{}, log)
}

func newMonitor(opts Options, runner commandRunner, log *logger.Logger) *Monitor {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}

	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = Thresholds{ThrottleCelsius: DefaultThrottleCelsius, EmergencyCelsius: DefaultEmergencyCelsius}
	}

	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}

	if opts.CacheInterval <= 0 {
		opts.CacheInterval = DefaultCacheInterval
	}

	return &Monitor{
		command:    opts.Command,
		thresholds: opts.Thresholds,
		timeout:    opts.QueryTimeout,
		runner:     runner,
		limiter:    rate.NewLimiter(rate.Every(opts.CacheInterval), 1),
		log:        log,
		latest:     unknownSample(),
	}
}

// Query runs the telemetry tool and classifies the result. Any failure yields
// an UNKNOWN sample with zeroed fields; Query never fails.
func (m *Monitor) Query(ctx context.Context) Sample {
	queryCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var sample Sample

	output, err := m.runner.Output(queryCtx, m.command, queryArgs...)
	if err == nil {
		sample, err = m.parse(output)
	}

	if err != nil {
		sample = unknownSample()

		if m.log != nil {
			m.log.Warn("[thermal] telemetry unavailable: %v", err)
		}
	}

	m.mu.Lock()
	m.latest = sample
	m.mu.Unlock()

	return sample
}

// Latest returns a fresh sample at most once per cache interval and the
// cached sample otherwise.
func (m *Monitor) Latest(ctx context.Context) Sample {
	if m.limiter.Allow() {
		return m.Query(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.latest
}

// IsEmergency reports whether the latest sample is EMERGENCY.
func (m *Monitor) IsEmergency() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.latest.Class == ClassEmergency
}

// IsThrottled reports whether the latest sample is THROTTLE.
func (m *Monitor) IsThrottled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.latest.Class == ClassThrottle
}

func (m *Monitor) parse(output []byte) (Sample, error) {
	sample, err := ParseLine(output)
	if err != nil {
		return Sample{}, err
	}

	sample.Class = m.thresholds.Classify(sample.TemperatureC)

	return sample, nil
}

// ParseLine parses the first CSV line of telemetry output. The returned
// sample has no class.
func ParseLine(output []byte) (Sample, error) {
	reader := csv.NewReader(bytes.NewReader(output))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrNoTelemetry, err)
	}

	if len(record) < 4 {
		return Sample{}, fmt.Errorf("%w: %d fields", ErrMalformedTelemetry, len(record))
	}

	values := make([]float64, 4)

	for index := range values {
		values[index], err = strconv.ParseFloat(strings.TrimSpace(record[index]), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: field %d: %w", ErrMalformedTelemetry, index+1, err)
		}
	}

	return Sample{
		TemperatureC:   values[0],
		UtilizationPct: values[1],
		MemUsedMB:      values[2],
		MemTotalMB:     values[3],
	}, nil
}

func unknownSample() Sample {
	return Sample{Class: ClassUnknown}
}
