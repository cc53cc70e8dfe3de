package api

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentrt/aca/pkg/api"

// tracer and meter resolve against whatever SDK the operator installs as
// the global provider; with none installed they are no-ops.
var (
	tracer trace.Tracer = otel.Tracer(instrumentationName)
	meter  metric.Meter = otel.Meter(instrumentationName)

	checkpointCounter metric.Int64Counter
)

func init() {
	var err error
	checkpointCounter, err = meter.Int64Counter("aca.checkpoints.created",
		metric.WithDescription("Checkpoints created through the admin API"))
	if err != nil {
		checkpointCounter = nil
	}
}
