package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/attestation"
	"github.com/autobb888/vap-dispatcher/pkg/events"
	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/metrics"
	"github.com/autobb888/vap-dispatcher/pkg/signer"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// pollOnce implements spec §4.1's poll: for every identity, fetch
// `requested` jobs in the seller role and run the admission decision on
// each newly observed job.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	d.mu.Lock()
	shuttingDown := d.shuttingDown
	d.mu.Unlock()
	if shuttingDown {
		return
	}

	for _, sess := range d.identities {
		jobs, err := sess.Market.Jobs(ctx, string(types.JobStatusRequested))
		if err != nil {
			log.WithIdentity(sess.Identity.AgentID).Warn().Err(err).Msg("poll failed")
			continue
		}
		for _, job := range jobs {
			if d.alreadySeen(job.ID) {
				continue
			}
			d.admit(ctx, sess, job)
		}
	}
}

func (d *Dispatcher) alreadySeen(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, active := d.active[jobID]
	_, recorded := d.jobRecord[jobID]
	return active || recorded
}

// admit runs the sequence from spec §4.1: rate-limit gate, signed accept,
// room join, then start-or-queue-or-drop.
func (d *Dispatcher) admit(ctx context.Context, sess *IdentitySession, job types.Job) {
	if !d.accepts.Allow() {
		return // skip; reconsidered next poll
	}

	now := time.Now()
	sig, err := sess.Signer.SignAccept(job.JobHash, job.BuyerVerusID, job.Amount, job.Currency, now.Unix())
	if err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to sign acceptance")
		return
	}
	if err := sess.Market.Accept(ctx, job.ID, now.Unix(), sig); err != nil {
		log.WithJob(job.ID).Warn().Err(err).Msg("acceptance rejected by marketplace")
		return
	}

	d.mu.Lock()
	d.jobRecord[job.ID] = job
	d.jobIdentity[job.ID] = sess
	d.mu.Unlock()

	if err := sess.Chat.JoinRoom(job.ID); err != nil {
		log.WithJob(job.ID).Warn().Err(err).Msg("failed to join chat room")
	}

	if err := attestation.PersistJobFields(d.cfg.JobsPath, job); err != nil {
		log.WithJob(job.ID).Warn().Err(err).Msg("failed to persist job fields")
	}

	d.events.Publish(&events.Event{Type: events.EventJobAdmitted, JobID: job.ID})
	metrics.JobsAdmittedTotal.Inc()

	if d.ports.InUseCount() < d.ports.Size() {
		d.startContainer(ctx, sess, job)
		return
	}
	pos, err := d.queue.Push(job.ID)
	if err != nil {
		log.WithJob(job.ID).Warn().Msg("admission dropped: pool and queue both full")
		return
	}
	d.setState(job.ID, types.StateQueued, 0, "")
	d.setQueuePosition(job.ID, pos)
	d.events.Publish(&events.Event{Type: events.EventJobQueued, JobID: job.ID})
	d.replyTo(sess, job.ID, fmt.Sprintf("you are #%d in line", pos))
}

// startContainer allocates a port, spawns the sandbox, waits for health,
// and produces the creation attestation. On any failure it drops the
// admission and returns the identity to the pool, per spec §7's
// "container start failure" handling.
func (d *Dispatcher) startContainer(ctx context.Context, sess *IdentitySession, job types.Job) {
	timer := metrics.NewTimer()
	port, ok := d.ports.Acquire()
	if !ok {
		pos, err := d.queue.Push(job.ID)
		if err == nil {
			d.setState(job.ID, types.StateQueued, 0, "")
			d.setQueuePosition(job.ID, pos)
		}
		return
	}

	d.setState(job.ID, types.StateStarting, port, "")
	d.events.Publish(&events.Event{Type: events.EventContainerStarting, JobID: job.ID})

	token, err := d.proxy.NewToken(job.ID)
	if err != nil {
		d.startFailed(job.ID, port, err)
		return
	}

	soul, err := signer.LoadSoul(d.cfg.AgentsDir, sess.Identity.AgentID)
	if err != nil {
		log.WithJob(job.ID).Warn().Err(err).Msg("failed to load identity soul")
	}

	handle, err := d.containers.Start(ctx, job.ID, port, token, soul)
	if err != nil {
		d.proxy.Revoke(token)
		d.startFailed(job.ID, port, err)
		return
	}

	if err := d.containers.WaitForHealth(ctx, port, token); err != nil {
		d.proxy.Revoke(token)
		_ = d.containers.Destroy(ctx, handle)
		d.startFailed(job.ID, port, err)
		return
	}

	d.mu.Lock()
	d.handles[job.ID] = handle
	if e, ok := d.active[job.ID]; ok {
		e.ContainerID = handle.ContainerID
		e.AssignedIdentity = sess.Identity
	}
	d.mu.Unlock()

	d.setState(job.ID, types.StateReady, port, token)
	d.events.Publish(&events.Event{Type: events.EventContainerReady, JobID: job.ID})
	timer.ObserveDuration(metrics.ContainerStartDuration)
	d.armGhostTimer(job.ID)

	jobHash, err := attestation.ComputeJobHash(job.ID, job.Description, job.BuyerVerusID, job.Amount, job.Currency, time.Now().Unix())
	if err != nil {
		log.WithJob(job.ID).Warn().Err(err).Msg("failed to compute local job hash")
	} else {
		job.JobHash = jobHash
	}
	limits := map[string]string{
		"memory": fmt.Sprintf("%d", d.cfg.ContainerMemoryBytes),
		"cpus":   fmt.Sprintf("%.2f", d.cfg.ContainerCPUs),
	}
	att, err := attestation.BuildCreation(sess.Signer, d.cfg.JobsPath, job, handle.ContainerID, limits, "standard", time.Now())
	if err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to build creation attestation")
	} else {
		d.submitAttestation(ctx, sess, job.ID, att)
	}
}

// submitAttestation best-effort submits an attestation and publishes the
// outcome as a lifecycle event.
func (d *Dispatcher) submitAttestation(ctx context.Context, sess *IdentitySession, jobID string, payload interface{}) {
	if err := sess.Market.SubmitAttestation(ctx, payload); err != nil {
		log.WithJob(jobID).Warn().Err(err).Msg("attestation submission to marketplace failed")
		d.events.Publish(&events.Event{Type: events.EventAttestationFailed, JobID: jobID, Message: err.Error()})
		metrics.AttestationsSubmittedTotal.WithLabelValues("failed").Inc()
		return
	}
	d.events.Publish(&events.Event{Type: events.EventAttestationSubmitted, JobID: jobID})
	metrics.AttestationsSubmittedTotal.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) startFailed(jobID string, port int, err error) {
	log.WithJob(jobID).Error().Err(err).Msg("container start failed, returning identity to pool")
	d.ports.Release(port)
	d.mu.Lock()
	delete(d.active, jobID)
	delete(d.jobIdentity, jobID)
	d.mu.Unlock()
}

// drainQueueIfRoom promotes the head of the queue to starting whenever
// pool capacity frees up (spec §4.1 "Queue drain").
func (d *Dispatcher) drainQueueIfRoom(ctx context.Context) {
	for d.ports.InUseCount() < d.ports.Size() {
		jobID, ok := d.queue.Pop()
		if !ok {
			return
		}
		sess := d.identityFor(jobID)
		if sess == nil {
			sess = d.nextFreeIdentity()
		}
		if sess == nil {
			_, _ = d.queue.Push(jobID) // no identity free; put it back
			return
		}
		job := d.jobRecordFor(jobID)
		d.startContainer(ctx, sess, job)
	}
}

func (d *Dispatcher) jobRecordFor(jobID string) types.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobRecord[jobID]
}

func (d *Dispatcher) setState(jobID string, state types.ActiveState, port int, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.active[jobID]
	if !ok {
		entry = &types.ActiveJob{JobID: jobID, CreatedAt: time.Now()}
		d.active[jobID] = entry
	}
	entry.State = state
	if port != 0 {
		entry.Port = port
	}
	if token != "" {
		entry.BearerToken = token
	}
}

func (d *Dispatcher) setQueuePosition(jobID string, pos int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.active[jobID]; ok {
		entry.QueuePosition = pos
	}
}

func (d *Dispatcher) armGhostTimer(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ghost[jobID]; ok {
		t.Stop()
	}
	d.ghost[jobID] = time.AfterFunc(d.cfg.GhostTimeout, func() {
		d.retire(context.Background(), jobID, types.RetireGhost, "")
	})
}

func (d *Dispatcher) clearGhostTimer(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ghost[jobID]; ok {
		t.Stop()
		delete(d.ghost, jobID)
	}
}

// enforceLifetimes implements spec §4.2's enforceLifetimes: any in-use
// port whose entry exceeds containerMaxLifetime is retired with a timeout
// attestation.
func (d *Dispatcher) enforceLifetimes(ctx context.Context) {
	d.mu.Lock()
	var expired []string
	for jobID, entry := range d.active {
		if entry.State == types.StateReady && time.Since(entry.CreatedAt) > d.cfg.ContainerMaxLifetime {
			expired = append(expired, jobID)
		}
	}
	d.mu.Unlock()

	for _, jobID := range expired {
		d.retire(ctx, jobID, types.RetireTimeout, "session time limit reached")
	}
}

// retire tears down a job's container (if any), revokes its token,
// writes the deletion attestation, releases its port, and removes it
// from the active table (spec §4.2 destroy, §4.5 deletion attestation).
func (d *Dispatcher) retire(ctx context.Context, jobID string, reason types.RetireReason, buyerMessage string) {
	d.clearGhostTimer(jobID)

	d.mu.Lock()
	entry, ok := d.active[jobID]
	handle := d.handles[jobID]
	sess := d.jobIdentity[jobID]
	job := d.jobRecord[jobID]
	delete(d.active, jobID)
	delete(d.handles, jobID)
	d.mu.Unlock()

	if !ok {
		d.queue.Remove(jobID)
		return
	}

	if entry.BearerToken != "" {
		d.proxy.Revoke(entry.BearerToken)
	}
	if handle != nil {
		if err := d.containers.Destroy(ctx, handle); err != nil {
			log.WithJob(jobID).Warn().Err(err).Msg("container destroy failed during retirement")
		}
	}
	if entry.Port != 0 {
		d.ports.Release(entry.Port)
	}

	if buyerMessage != "" && sess != nil {
		d.replyTo(sess, jobID, buyerMessage)
	}

	if sess != nil && handle != nil {
		dataVolumes := []string{handle.ConfigDir}
		att, err := attestation.BuildDeletion(sess.Signer, d.cfg.JobsPath, job, handle.ContainerID, entry.CreatedAt, time.Now(), dataVolumes, reason)
		if err != nil {
			log.WithJob(jobID).Error().Err(err).Msg("failed to build deletion attestation")
		} else {
			d.submitAttestation(ctx, sess, jobID, att)
		}
	}

	d.events.Publish(&events.Event{Type: events.EventContainerRetired, JobID: jobID, Message: string(reason)})
	metrics.JobsRetiredTotal.WithLabelValues(string(reason)).Inc()
	log.WithJob(jobID).Info().Str("reason", string(reason)).Msg("job retired")
}
