// Package heartbeat implements the ingestion and drift pipeline:
// a bounded batcher windowing inbound reports, a pool of worker
// goroutines that resolve services and instances in bulk, and a diff/build
// stage reusing pkg/instance's pure transition logic.
package heartbeat

import (
	"regexp"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
)

// MaxFieldLen bounds every free-form string field on a Report.
const MaxFieldLen = 500

// MaxPort is the highest valid TCP port a Report may carry.
const MaxPort = 65535

var configHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Report is one inbound heartbeat, plus the ingestion-time ReceivedAt the
// transport adapter stamps on arrival.
type Report struct {
	ServiceName string
	InstanceID  string
	ConfigHash  string
	Host        string
	Port        int
	Environment string
	Version     string
	Metadata    map[string]string
	ReceivedAt  time.Time
}

// Validate rejects the whole message if any field violates its documented
// bound. serviceName and instanceId are required; configHash, if
// present, must be 64 lowercase hex characters; port, if present, must be
// no greater than 65535 (0 means no port was reported).
func (r Report) Validate() error {
	if r.ServiceName == "" {
		return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.missing_service_name", "serviceName is required")
	}
	if r.InstanceID == "" {
		return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.missing_instance_id", "instanceId is required")
	}
	if len(r.ServiceName) > MaxFieldLen || len(r.InstanceID) > MaxFieldLen || len(r.Host) > MaxFieldLen ||
		len(r.Environment) > MaxFieldLen || len(r.Version) > MaxFieldLen {
		return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.field_too_long", "a field exceeds its documented bound")
	}
	if r.ConfigHash != "" && !configHashPattern.MatchString(r.ConfigHash) {
		return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.bad_config_hash", "configHash must be 64 lowercase hex characters")
	}
	if r.Port < 0 || r.Port > MaxPort {
		return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.bad_port", "port must be between 0 and 65535")
	}
	for k, v := range r.Metadata {
		if len(k) > MaxFieldLen || len(v) > MaxFieldLen {
			return apierr.New(apierr.InvalidArgument, "heartbeat.Validate", "heartbeat.metadata_too_long", "a metadata key or value exceeds its documented bound")
		}
	}
	return nil
}

// Result summarizes one batch's outcome, for callers that need observed
// counts (metrics, logging) without inspecting every per-instance transition.
type Result struct {
	Processed      int
	Dropped        int
	UnknownService []string
	IntoDrift      int
	OutOfDrift     int
}
