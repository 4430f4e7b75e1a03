package types

import (
	"time"
)

// Identity is one pre-registered marketplace seller identity. Immutable
// after provisioning; the pool of identities loaded at startup caps how many
// jobs the dispatcher can run in parallel.
type Identity struct {
	AgentID      string
	WIF          string // wallet import format private key
	Address      string
	IAddress     string // VerusID i-address
	IdentityName string
	Network      string
}

// Job is a marketplace-observed unit of work. JobHash is the marketplace's
// canonical hash, used verbatim in the acceptance message; it is distinct
// from the locally computed attestation job hash (see pkg/attestation).
type Job struct {
	ID           string
	JobHash      string
	BuyerVerusID string
	Amount       float64
	Currency     string
	Description  string
	Status       JobStatus
}

// JobStatus mirrors the marketplace's job status field.
type JobStatus string

const (
	JobStatusRequested  JobStatus = "requested"
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDelivered  JobStatus = "delivered"
)

// ActiveState is the lifecycle state of an ActiveJob entry.
type ActiveState string

const (
	StateQueued   ActiveState = "queued"
	StateStarting ActiveState = "starting"
	StateReady    ActiveState = "ready"
	StateRetiring ActiveState = "retiring"
)

// ActiveJob is the dispatcher's record of one admitted job between admission
// and retirement. Never persisted or reattached across a restart (see
// Dispatcher.reconcile).
type ActiveJob struct {
	JobID            string
	AssignedIdentity *Identity
	State            ActiveState
	Port             int
	ContainerID      string
	BearerToken      string
	CreatedAt        time.Time
	QueuePosition    int // valid only while State == StateQueued
}

// RetireReason explains why a container was torn down; it selects the
// attestation type and the buyer-facing message.
type RetireReason string

const (
	RetireNormal   RetireReason = "normal"
	RetireGhost    RetireReason = "ghost"
	RetireTimeout  RetireReason = "timeout"
	RetireHealth   RetireReason = "health"
	RetireShutdown RetireReason = "shutdown"
)

// Container is a sandbox bound to exactly one job and one port.
type Container struct {
	ID          string // runtime container ID
	JobID       string
	Port        int
	BearerToken string
	CreatedAt   time.Time
}

// LogRole is the speaker of a DispatcherLogEntry.
type LogRole string

const (
	RoleUser      LogRole = "user"
	RoleAssistant LogRole = "assistant"
	RoleSystem    LogRole = "system"
)

// DispatcherLogEntry is one line of a job's append-only JSONL transcript.
type DispatcherLogEntry struct {
	Timestamp time.Time              `json:"ts"`
	Role      LogRole                `json:"role"`
	Content   string                 `json:"content,omitempty"`
	Nonce     string                 `json:"nonce,omitempty"`
	Sender    string                 `json:"sender,omitempty"`
	Port      int                    `json:"port,omitempty"`
	Model     string                 `json:"model,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// CreationAttestation is the signed record produced when a container
// becomes ready.
type CreationAttestation struct {
	Type           string            `json:"type"`
	JobID          string            `json:"jobId"`
	ContainerID    string            `json:"containerId"`
	AgentID        string            `json:"agentId"`
	Identity       string            `json:"identity"`
	CreatedAt      time.Time         `json:"createdAt"`
	JobHash        string            `json:"jobHash"`
	ResourceLimits map[string]string `json:"resourceLimits"`
	PrivacyTier    string            `json:"privacyTier"`
	Signature      string            `json:"signature,omitempty"`
}

// DeletionAttestation is the signed record produced when a container is
// torn down, whether on normal completion, ghost-expiry, or timeout.
type DeletionAttestation struct {
	Type           string    `json:"type"`
	JobID          string    `json:"jobId"`
	ContainerID    string    `json:"containerId"`
	CreatedAt      time.Time `json:"createdAt"`
	DestroyedAt    time.Time `json:"destroyedAt"`
	DataVolumes    []string  `json:"dataVolumes"`
	DeletionMethod string    `json:"deletionMethod"`
	Reason         string    `json:"reason,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}
