package types

import (
	"fmt"
	"time"
)

// Tier identifies a storage tier. The numeric value is the tier's rank:
// lower rank means faster and smaller.
type Tier int

const (
	TierCore Tier = iota
	TierMain
	TierArchive
)

func (t Tier) String() string {
	switch t {
	case TierCore:
		return "core"
	case TierMain:
		return "main"
	case TierArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// ParseTier converts a tier name to its Tier value.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "core":
		return TierCore, nil
	case "main":
		return TierMain, nil
	case "archive":
		return TierArchive, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Next returns the tier one rank colder. ok is false for the coldest tier.
func (t Tier) Next() (next Tier, ok bool) {
	if t >= TierArchive {
		return t, false
	}
	return t + 1, true
}

// Record describes a stored payload and where it currently lives.
// Checksum is an xxhash64 digest of the plaintext payload, computed
// before any compression or encryption.
type Record struct {
	ID           string
	Size         int64 // plaintext size
	StoredSize   int64 // bytes occupied in the current tier
	Checksum     uint64
	Tier         Tier
	CreatedAt    time.Time
	LastAccessed time.Time
}

// JobStatus is the lifecycle state of a MigrationJob.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobTransferring JobStatus = "transferring"
	JobVerifying    JobStatus = "verifying"
	JobCommitting   JobStatus = "committing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RecordPhase tracks how far a single record has progressed within a job.
type RecordPhase string

const (
	PhaseSelected    RecordPhase = "selected"
	PhaseTransferred RecordPhase = "transferred"
	PhaseVerified    RecordPhase = "verified"
	PhaseCommitted   RecordPhase = "committed"
	PhaseFailed      RecordPhase = "failed"
)

// RecordResult is the per-record outcome carried in a job.
type RecordResult struct {
	Phase RecordPhase
	Error string
}

// MigrationJob moves a batch of records from Source to Dest. A job is
// exclusively owned by the migration engine from creation until it
// reaches a terminal status.
type MigrationJob struct {
	ID            string
	Source        Tier
	Dest          Tier
	Status        JobStatus
	ReclaimTarget int64 // bytes to free from the source tier
	Manual        bool
	Records       map[string]RecordResult
	StartedAt     time.Time
	CompletedAt   time.Time
}

// FailedRecords returns the IDs of records that failed within the job.
func (j *MigrationJob) FailedRecords() []string {
	var out []string
	for id, r := range j.Records {
		if r.Phase == PhaseFailed {
			out = append(out, id)
		}
	}
	return out
}

// MigrationTrigger asks the engine to reclaim ReclaimBytes from Source
// by moving records to Dest.
type MigrationTrigger struct {
	Source       Tier
	Dest         Tier
	ReclaimBytes int64
	Reason       string
}

// HealthState classifies an endpoint for routing purposes.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint is a routable service endpoint fronting the storage tiers.
type Endpoint struct {
	ID  string
	URL string
}

// EndpointState is an immutable snapshot of an endpoint's health.
// It is produced by the prober and read-only to the router.
type EndpointState struct {
	Endpoint    Endpoint
	Health      HealthState
	ConsecFails int
	ConsecOKs   int
	LastProbe   time.Time
	LatencyEWMA time.Duration
	ProbeCount  uint64
}

// QuotaSnapshot is one monitoring-cycle observation of a tier's usage.
// Only the most recent snapshot per tier is retained.
type QuotaSnapshot struct {
	Tier      Tier
	UsedBytes int64
	Capacity  int64
	Timestamp time.Time
}

// UsageRatio returns used/capacity, or 0 for an unlimited tier.
func (q QuotaSnapshot) UsageRatio() float64 {
	if q.Capacity <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.Capacity)
}
