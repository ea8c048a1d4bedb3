package heartbeat

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/pkg/driftevent"
	"github.com/oakfield/driftctl/pkg/ids"
	"github.com/oakfield/driftctl/pkg/instance"
	"github.com/oakfield/driftctl/pkg/service"
)

// ServiceResolver bulk-resolves services by displayName. *service.Service
// implements it.
type ServiceResolver interface {
	ResolveByDisplayNames(ctx context.Context, names []string) ([]service.ApplicationService, error)
}

// InstanceUpserter applies one heartbeat's diff/build and persist steps for
// a single instance, against a prior record the pipeline already bulk-loaded.
// *instance.Service implements it.
type InstanceUpserter interface {
	ApplyHeartbeatWithPrior(ctx context.Context, p instance.HeartbeatParams, prior *instance.ServiceInstance) (instance.Transition, error)
	LoadMany(ctx context.Context, instanceIDs []ids.InstanceID) ([]instance.ServiceInstance, error)
}

// DriftRecorder records and resolves DriftEvents as instances transition
// into and out of drift. *driftevent.Service implements it.
type DriftRecorder interface {
	RecordTransitionIntoDrift(ctx context.Context, p driftevent.RecordParams) (driftevent.DriftEvent, error)
	ResolveTransitionOutOfDrift(ctx context.Context, instanceID ids.InstanceID, resolvedAt time.Time) (int64, error)
}

// Pipeline implements the heartbeat ingestion and drift pipeline:
// service resolution, instance diff/build, and drift event
// emission/resolution, over an already-deduplicated batch.
type Pipeline struct {
	services  ServiceResolver
	instances InstanceUpserter
	drift     DriftRecorder
}

// NewPipeline creates a Pipeline backed by the given collaborators.
func NewPipeline(services ServiceResolver, instances InstanceUpserter, drift DriftRecorder) *Pipeline {
	return &Pipeline{services: services, instances: instances, drift: drift}
}

// ProcessBatch resolves the distinct service names in reports with a single
// bulk lookup, then applies each heartbeat's diff/build
// and persist steps, recording or resolving drift events as instances
// transition. A report whose serviceName does not
// resolve is counted as an UnknownService observation and skipped, without
// aborting the rest of the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, reports []Report) (Result, error) {
	var result Result

	distinctNames := distinct(reports)
	services, err := p.services.ResolveByDisplayNames(ctx, distinctNames)
	if err != nil {
		return Result{}, err
	}
	byName := make(map[string]service.ApplicationService, len(services))
	for _, svc := range services {
		byName[svc.DisplayName] = svc
	}

	instanceIDs := make([]ids.InstanceID, len(reports))
	for i, r := range reports {
		instanceIDs[i] = ids.InstanceID(r.InstanceID)
	}
	existing, err := p.instances.LoadMany(ctx, instanceIDs)
	if err != nil {
		return Result{}, err
	}
	priorByID := make(map[ids.InstanceID]instance.ServiceInstance, len(existing))
	for _, inst := range existing {
		priorByID[inst.ID] = inst
	}

	for _, r := range reports {
		svc, ok := byName[r.ServiceName]
		if !ok {
			result.UnknownService = append(result.UnknownService, r.ServiceName)
			continue
		}

		var prior *instance.ServiceInstance
		var expectedHash string
		if loaded, ok := priorByID[ids.InstanceID(r.InstanceID)]; ok {
			cp := loaded
			prior = &cp
			expectedHash = cp.ExpectedHash
		}

		transition, err := p.instances.ApplyHeartbeatWithPrior(ctx, instance.HeartbeatParams{
			InstanceID:   ids.InstanceID(r.InstanceID),
			ServiceID:    svc.ID,
			TeamID:       svc.OwnerTeamID,
			Host:         r.Host,
			Port:         r.Port,
			Environment:  r.Environment,
			Version:      r.Version,
			ExpectedHash: expectedHash,
			ConfigHash:   r.ConfigHash,
			ReceivedAt:   r.ReceivedAt,
		}, prior)
		if err != nil {
			result.Dropped++
			continue
		}
		result.Processed++

		switch {
		case transition.IntoDrift:
			if _, err := p.drift.RecordTransitionIntoDrift(ctx, driftevent.RecordParams{
				ServiceID:    svc.ID,
				ServiceName:  r.ServiceName,
				InstanceID:   ids.InstanceID(r.InstanceID),
				Environment:  r.Environment,
				ExpectedHash: transition.Next.ExpectedHash,
				AppliedHash:  transition.Next.ConfigHash,
				DetectedBy:   "heartbeat",
				DetectedAt:   r.ReceivedAt,
				TeamID:       svc.OwnerTeamID,
			}); err != nil {
				return result, err
			}
			result.IntoDrift++
		case transition.OutOfDrift:
			n, err := p.drift.ResolveTransitionOutOfDrift(ctx, ids.InstanceID(r.InstanceID), r.ReceivedAt)
			if err != nil {
				return result, err
			}
			result.OutOfDrift += int(n)
		}
	}

	return result, nil
}

func distinct(reports []Report) []string {
	seen := make(map[string]bool, len(reports))
	var out []string
	for _, r := range reports {
		if !seen[r.ServiceName] {
			seen[r.ServiceName] = true
			out = append(out, r.ServiceName)
		}
	}
	return out
}
