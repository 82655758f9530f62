package relay

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricEventDispatched counts events handed to their consumer.
	MetricEventDispatched      = []string{"relay", "event", "dispatched", "count"}
	MetricEventDropped         = []string{"relay", "event", "dropped", "count"}
	MetricEventPanic           = []string{"relay", "event", "panic", "count"}
	MetricThreadQueueDepth     = []string{"relay", "thread", "queue", "depth"}
	MetricRequestBusy          = []string{"relay", "request", "busy", "count"}
	MetricRequestCanceled      = []string{"relay", "request", "canceled", "count"}
	MetricMessageUndelivered   = []string{"relay", "message", "undelivered", "count"}
	MetricResultUnrecognized   = []string{"relay", "result", "unrecognized", "count"}
	MetricRemoteInBytes        = []string{"relay", "remote", "in", "bytes"}
	MetricRemoteOutBytes       = []string{"relay", "remote", "out", "bytes"}
	MetricRemoteChecksumErrors = []string{"relay", "remote", "checksum", "error", "count"}
	MetricRemoteDecodeErrors   = []string{"relay", "remote", "decode", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelThread    TelemetryLabel = "thread"
	LabelService   TelemetryLabel = "service"
	LabelRole      TelemetryLabel = "role"
	LabelAddress   TelemetryLabel = "address"
	LabelMessageID TelemetryLabel = "message_id"
	LabelResult    TelemetryLabel = "result"
	LabelSequence  TelemetryLabel = "sequence"
	LabelChannel   TelemetryLabel = "channel"
	LabelEventType TelemetryLabel = "event_type"
	LabelNotify    TelemetryLabel = "notify"
	LabelDepth     TelemetryLabel = "depth"
	LabelDuration  TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// telemetry bundles what every component needs to report.
type telemetry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (tm *telemetry) incr(key []string, labels ...metrics.Label) {
	tm.msink.IncrCounterWithLabels(key, 1.0, append(labels, tm.labels...))
}

func (tm *telemetry) add(key []string, val float32, labels ...metrics.Label) {
	tm.msink.IncrCounterWithLabels(key, val, append(labels, tm.labels...))
}

func (tm *telemetry) gauge(key []string, val float32, labels ...metrics.Label) {
	tm.msink.SetGaugeWithLabels(key, val, append(labels, tm.labels...))
}
