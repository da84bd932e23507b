package service

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

// Message pipeline stage names, in execution order.
const (
	StageAuthorize    = "authorize"
	StageEnsureActive = "ensure-active"
	StageValidate     = "validate"
	StagePersist      = "persist"
	StageBroadcast    = "broadcast"
	StageUnread       = "unread"
	StageNotify       = "notify"
)

type pipelineStage struct {
	name       string
	bestEffort bool
	run        func(ctx context.Context) error
}

func stage(name string, run func(ctx context.Context) error) pipelineStage {
	return pipelineStage{name: name, run: run}
}

// bestEffortStage failures are logged and counted but never stop the pipeline.
func bestEffortStage(name string, run func(ctx context.Context) error) pipelineStage {
	return pipelineStage{name: name, bestEffort: true, run: run}
}

// runPipeline executes stages in order and returns the names of the stages that ran.
// The first failing required stage short-circuits the rest.
func runPipeline(ctx context.Context, tracer trace.Tracer, logger zerolog.Logger, pipeline string, stages ...pipelineStage) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pipeline."+pipeline)
	defer span.End()

	ran := make([]string, 0, len(stages))
	for _, current := range stages {
		ran = append(ran, current.name)
		err := current.run(ctx)
		if err == nil {
			continue
		}

		observability.PipelineStageFailures().WithLabelValues(pipeline, current.name).Inc()
		span.RecordError(err, trace.WithAttributes(attribute.String("pipeline.stage", current.name)))

		if current.bestEffort {
			logger.Warn().Err(err).Str("pipeline", pipeline).Str("stage", current.name).Msg("best-effort stage failed")
			continue
		}

		span.SetStatus(codes.Error, current.name+" failed")
		span.SetAttributes(attribute.StringSlice("pipeline.stages", ran))
		if KindOf(err) == KindTransient {
			logger.Error().Err(err).Str("pipeline", pipeline).Str("stage", current.name).Msg("pipeline stage failed")
		} else {
			logger.Debug().Err(err).Str("pipeline", pipeline).Str("stage", current.name).Msg("pipeline rejected")
		}
		return ran, err
	}

	span.SetAttributes(attribute.StringSlice("pipeline.stages", ran))
	return ran, nil
}
