package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the engine-level instruments.
type Metrics struct {
	actionsAllowed metric.Int64Counter
	actionsDenied  metric.Int64Counter
	debits         metric.Int64Counter
	credits        metric.Int64Counter
	triggersFired  metric.Int64Counter
	settlements    metric.Int64Counter
	graceEntered   metric.Int64Counter
	graceBlocked   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "kredit"
	}
	meter := provider.Meter(name)

	actionsAllowed, err := meter.Int64Counter("kredit_actions_allowed_total")
	if err != nil {
		return nil, err
	}
	actionsDenied, err := meter.Int64Counter("kredit_actions_denied_total")
	if err != nil {
		return nil, err
	}
	debits, err := meter.Int64Counter("kredit_ledger_debits_total")
	if err != nil {
		return nil, err
	}
	credits, err := meter.Int64Counter("kredit_ledger_credits_total")
	if err != nil {
		return nil, err
	}
	triggersFired, err := meter.Int64Counter("kredit_triggers_fired_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("kredit_settlements_total")
	if err != nil {
		return nil, err
	}
	graceEntered, err := meter.Int64Counter("kredit_grace_entered_total")
	if err != nil {
		return nil, err
	}
	graceBlocked, err := meter.Int64Counter("kredit_grace_blocked_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		actionsAllowed: actionsAllowed,
		actionsDenied:  actionsDenied,
		debits:         debits,
		credits:        credits,
		triggersFired:  triggersFired,
		settlements:    settlements,
		graceEntered:   graceEntered,
		graceBlocked:   graceBlocked,
	}, nil
}

// RecordActionAllowed increments allowed action counts.
func (m *Metrics) RecordActionAllowed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.actionsAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordActionDenied increments denied action counts by reason.
func (m *Metrics) RecordActionDenied(ctx context.Context, category, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", strings.TrimSpace(category)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.actionsDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDebit increments ledger debit counts.
func (m *Metrics) RecordDebit(ctx context.Context, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.debits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredit increments ledger credit counts.
func (m *Metrics) RecordCredit(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.credits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTriggerFired increments threshold trigger counts.
func (m *Metrics) RecordTriggerFired(ctx context.Context, threshold int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("threshold", fmt.Sprintf("%d", threshold)))
	m.triggersFired.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlement increments purchase settlement counts.
func (m *Metrics) RecordSettlement(ctx context.Context, packageCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("package_code", strings.TrimSpace(packageCode)))
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGraceEntered increments grace entry counts.
func (m *Metrics) RecordGraceEntered(ctx context.Context) {
	if m == nil {
		return
	}
	m.graceEntered.Add(ctx, 1)
}

// RecordGraceBlocked increments grace-to-blocked transition counts.
func (m *Metrics) RecordGraceBlocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.graceBlocked.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"category":     {},
	"reason":       {},
	"threshold":    {},
	"package_code": {},
	"endpoint":     {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
