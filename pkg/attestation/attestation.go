package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/signer"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// Submitter posts an attestation payload to the marketplace. Implemented
// by *marketplace.Client; kept as a narrow interface here so this package
// doesn't import marketplace (attestation is a leaf dependency of it).
type Submitter interface {
	SubmitAttestation(ctx context.Context, payload interface{}) error
}

// ComputeJobHash returns the dispatcher's locally computed job hash: SHA-256
// of a canonical JSON object of (jobId, description, buyer, amount,
// currency, timestamp). This is distinct from types.Job.JobHash, the
// marketplace-supplied hash used verbatim in the acceptance message (spec
// §9 Open Questions: "these are distinct concepts — do not conflate").
func ComputeJobHash(jobID, description, buyer string, amount float64, currency string, timestampUnix int64) (string, error) {
	payload := map[string]interface{}{
		"jobId":       jobID,
		"description": description,
		"buyer":       buyer,
		"amount":      amount,
		"currency":    currency,
		"timestamp":   timestampUnix,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job hash payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// PersistJobFields writes the flat description/buyer/amount/currency text
// files alongside the job's directory (spec §6 persisted layout).
func PersistJobFields(jobsPath string, job types.Job) error {
	dir := JobDir(jobsPath, job.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create job dir %s: %w", dir, err)
	}
	files := map[string]string{
		"description.txt": job.Description,
		"buyer.txt":       job.BuyerVerusID,
		"amount.txt":      strconv.FormatFloat(job.Amount, 'f', -1, 64),
		"currency.txt":    job.Currency,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// BuildCreation constructs, signs, and persists a creation attestation for
// a job that just reached ready.
func BuildCreation(s *signer.Signer, jobsPath string, job types.Job, containerID string, resourceLimits map[string]string, privacyTier string, now time.Time) (*types.CreationAttestation, error) {
	att := types.CreationAttestation{
		Type:           "container:created",
		JobID:          job.ID,
		ContainerID:    containerID,
		AgentID:        s.Identity.AgentID,
		Identity:       s.Identity.IdentityName,
		CreatedAt:      now,
		JobHash:        job.JobHash,
		ResourceLimits: resourceLimits,
		PrivacyTier:    privacyTier,
	}
	sig, err := s.SignPayload(att)
	if err != nil {
		return nil, fmt.Errorf("sign creation attestation: %w", err)
	}
	att.Signature = sig

	if err := persist(jobsPath, job.ID, "creation-attestation.json", att); err != nil {
		return nil, err
	}
	return &att, nil
}

// BuildDeletion constructs, signs, and persists a deletion attestation.
// reason is types.RetireNormal for normal completion (no reason field is
// written), or one of "ghost"/"timeout"/
// "health"/"shutdown" (spec §4.5, §8 scenario 4: timeout sets
// type=container:destroyed:timeout and reason=timeout).
func BuildDeletion(s *signer.Signer, jobsPath string, job types.Job, containerID string, createdAt, destroyedAt time.Time, dataVolumes []string, reason types.RetireReason) (*types.DeletionAttestation, error) {
	attType := "container:destroyed"
	if reason == types.RetireTimeout {
		attType = "container:destroyed:timeout"
	}
	att := types.DeletionAttestation{
		Type:           attType,
		JobID:          job.ID,
		ContainerID:    containerID,
		CreatedAt:      createdAt,
		DestroyedAt:    destroyedAt,
		DataVolumes:    dataVolumes,
		DeletionMethod: "docker-rm",
	}
	if reason != types.RetireNormal {
		att.Reason = string(reason)
	}
	sig, err := s.SignPayload(att)
	if err != nil {
		return nil, fmt.Errorf("sign deletion attestation: %w", err)
	}
	att.Signature = sig

	if err := persist(jobsPath, job.ID, "deletion-attestation.json", att); err != nil {
		return nil, err
	}
	return &att, nil
}

func persist(jobsPath, jobID, filename string, v interface{}) error {
	dir := JobDir(jobsPath, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create job dir %s: %w", dir, err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// Submit best-effort submits an attestation payload to the marketplace.
// Submission failure is logged, not returned, per spec §4.5: "submission
// failure is logged but does not block retirement."
func Submit(ctx context.Context, sub Submitter, jobID string, payload interface{}) {
	if err := sub.SubmitAttestation(ctx, payload); err != nil {
		log.WithJob(jobID).Warn().Err(err).Msg("attestation submission to marketplace failed")
	}
}
