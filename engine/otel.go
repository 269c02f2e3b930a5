package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"pocketshield/config"
	"pocketshield/logger"
	"pocketshield/store"
)

// telemetry ships scan results and session summaries as OTLP log
// records. It is entirely optional: without an endpoint the engine
// runs with telemetry disabled and every emit is a no-op.
type telemetry struct {
	provider    *sdklog.LoggerProvider
	logger      otelLog.Logger
	timeout     time.Duration
	exportPaths bool
}

func newTelemetry(cfg *config.Config) (*telemetry, error) {
	endpoint := resolveEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("telemetry endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}
	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	return &telemetry{
		provider:    provider,
		logger:      provider.Logger("pocketshield"),
		timeout:     cfg.OtelTimeout,
		exportPaths: cfg.OtelExportPaths,
	}, nil
}

func resolveEndpoint(cfg *config.Config) string {
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// emitResult exports one scanned file. File paths leave the device
// only when explicitly allowed.
func (e *Engine) emitResult(res *store.FileResult) {
	t := e.telemetry
	if t == nil || t.logger == nil {
		return
	}

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("pocketshield.result")
	record.AddAttributes(
		otelLog.String("record_type", "result"),
		otelLog.String("session_id", res.SessionID),
		otelLog.String(string(semconv.FileNameKey), res.Name),
		otelLog.Int64(string(semconv.FileSizeKey), res.Size),
		otelLog.String("pocketshield.file.mime_type", res.MimeType),
		otelLog.String("pocketshield.file.digest", res.Digest),
		otelLog.String("pocketshield.file.threat_level", res.ThreatLevel),
	)
	if t.exportPaths {
		record.AddAttributes(otelLog.String(string(semconv.FilePathKey), res.Path))
	}
	if len(res.Threats) > 0 {
		values := make([]otelLog.Value, 0, len(res.Threats))
		for _, name := range res.Threats {
			values = append(values, otelLog.StringValue(name))
		}
		record.AddAttributes(otelLog.KeyValue{
			Key:   "pocketshield.file.threats",
			Value: otelLog.SliceValue(values...),
		})
	}
	record.SetBody(otelLog.StringValue(res.ThreatLevel))

	t.logger.Emit(context.Background(), record)
}

// emitSession exports the end-of-run summary.
func (e *Engine) emitSession(sess *store.Session, report *Report) {
	t := e.telemetry
	if t == nil || t.logger == nil {
		return
	}

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("pocketshield.session")
	record.AddAttributes(
		otelLog.String("record_type", "session"),
		otelLog.String("session_id", sess.ID),
		otelLog.String("pocketshield.session.status", string(sess.Status)),
		otelLog.Int64("pocketshield.session.files_scanned", sess.FilesScanned),
		otelLog.Int64("pocketshield.session.threats_found", sess.ThreatsFound),
		otelLog.Int64("pocketshield.session.errors", sess.Errors),
		otelLog.Int("pocketshield.session.risk_score", report.Analysis.ThreatSummary.RiskScore),
	)
	record.SetBody(otelLog.StringValue(string(sess.Status)))

	t.logger.Emit(context.Background(), record)
}

func (t *telemetry) Shutdown() {
	if t == nil || t.provider == nil {
		return
	}
	timeout := t.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		logger.Debugf("Telemetry shutdown failed: %v", err)
	}
}
