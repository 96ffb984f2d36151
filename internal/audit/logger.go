package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/graklabs/grakgate/internal/observability"
)

const redactedValue = "[REDACTED]"

// defaultRedactFields are metadata keys whose values never appear in an
// audit record.
var defaultRedactFields = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"api_key",
	"password",
	"secret",
	"token",
}

// Config holds audit logger configuration.
type Config struct {
	// Enabled turns audit logging on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Output is "stdout", "stderr", or a file path.
	Output string `yaml:"output" json:"output"`

	// RedactFields extends the built-in redaction list.
	RedactFields []string `yaml:"redactFields" json:"redactFields"`
}

// DefaultConfig returns audit defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Output:  "stdout",
	}
}

// Logger records audit events.
type Logger interface {
	// Log writes one event.
	Log(ctx context.Context, event *Event)

	// Close releases the output.
	Close() error
}

type logger struct {
	config  *Config
	redact  map[string]struct{}
	writer  io.Writer
	closer  io.Closer
	mu      sync.Mutex
	logger  observability.Logger
	metrics *Metrics
}

// LoggerOption is a functional option for the logger.
type LoggerOption func(*logger)

// WithLoggerLogger sets the observability logger used for the logger's
// own diagnostics.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *logger) {
		lg.logger = l
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(metrics *Metrics) LoggerOption {
	return func(lg *logger) {
		lg.metrics = metrics
	}
}

// WithLoggerWriter sets the output writer, bypassing Output config.
func WithLoggerWriter(writer io.Writer) LoggerOption {
	return func(lg *logger) {
		lg.writer = writer
	}
}

// NewLogger creates an audit logger.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l := &logger{
		config: config,
		logger: observability.NopLogger(),
		redact: make(map[string]struct{}),
	}

	for _, field := range defaultRedactFields {
		l.redact[field] = struct{}{}
	}
	for _, field := range config.RedactFields {
		l.redact[strings.ToLower(field)] = struct{}{}
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.writer == nil {
		writer, closer, err := openOutput(config.Output)
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	return l, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// Log implements Logger. Trace context is attached when a span is active,
// and sensitive metadata keys are redacted before the record is written.
func (l *logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}

	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.TraceID().String()
		}
		if event.SpanID == "" {
			event.SpanID = span.SpanID().String()
		}
	}

	l.redactMetadata(event)
	l.metrics.RecordEvent(event.Type, event.Outcome)

	raw, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("marshal audit event", observability.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(raw, '\n')); err != nil {
		l.logger.Error("write audit event", observability.Error(err))
	}
}

func (l *logger) redactMetadata(event *Event) {
	for key := range event.Metadata {
		if _, ok := l.redact[strings.ToLower(key)]; ok {
			event.Metadata[key] = redactedValue
		}
	}
}

// Close implements Logger.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// NopLogger returns a logger that drops every event.
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(ctx context.Context, event *Event) {}
func (nopLogger) Close() error                          { return nil }

// Metrics holds Prometheus metrics for audit events.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates audit metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "grakgate"
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.eventsTotal)
	}

	return m
}

// RecordEvent records one audit event.
func (m *Metrics) RecordEvent(eventType EventType, outcome Outcome) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(outcome)).Inc()
}
