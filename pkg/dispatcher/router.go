package dispatcher

import (
	"context"
	"sync"

	"github.com/autobb888/vap-dispatcher/pkg/attestation"
	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/metrics"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

const truncationMarker = "\n\n[reply truncated]"
const maxReplyChars = 3900

// onChatMessage is registered as the chat.MessageHandler for every
// identity session. It implements spec §4.4's router: drop self-
// originated turns, clear the ghost timer, then dispatch on the active-job
// state. Per-job turns are serialized by turnLockFor so at most one
// sandbox request is in flight per job at a time, while turns for
// different jobs proceed concurrently.
func (d *Dispatcher) onChatMessage(sess *IdentitySession, jobID, senderVerusID, content string) {
	if senderVerusID == sess.Identity.IdentityName || senderVerusID == sess.Identity.IAddress {
		return
	}

	d.clearGhostTimer(jobID)

	lock := d.turnLockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	d.routeTurn(context.Background(), sess, jobID, senderVerusID, content)
}

func (d *Dispatcher) turnLockFor(jobID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.turnLock[jobID]
	if !ok {
		l = &sync.Mutex{}
		d.turnLock[jobID] = l
	}
	return l
}

// routeTurn implements the state dispatch from spec §4.4. Called with
// jobID's turn lock held.
func (d *Dispatcher) routeTurn(ctx context.Context, sess *IdentitySession, jobID, senderVerusID, content string) {
	d.mu.Lock()
	entry, present := d.active[jobID]
	d.mu.Unlock()

	if !present {
		job := d.jobRecordFor(jobID)
		if job.ID == "" {
			return // unknown job; nothing on record to start on demand
		}
		if d.ports.InUseCount() < d.ports.Size() {
			d.startContainer(ctx, sess, job)
			d.replyTo(sess, jobID, "starting up, please wait")
			return
		}
		pos, err := d.queue.Push(jobID)
		if err != nil {
			d.replyTo(sess, jobID, "all slots busy, queued")
			return
		}
		d.setState(jobID, types.StateQueued, 0, "")
		d.setQueuePosition(jobID, pos)
		d.replyTo(sess, jobID, "all slots busy, queued")
		return
	}

	switch entry.State {
	case types.StateQueued:
		d.replyTo(sess, jobID, "all slots busy, queued")
	case types.StateStarting:
		d.replyTo(sess, jobID, "starting up, please wait")
	case types.StateReady:
		d.handleReadyTurn(ctx, sess, jobID, entry, senderVerusID, content)
	}
}

// handleReadyTurn implements the ready-state leg of spec §4.4: nonce,
// logged user turn, sandbox request, truncation, logged assistant turn,
// reply.
func (d *Dispatcher) handleReadyTurn(ctx context.Context, sess *IdentitySession, jobID string, entry *types.ActiveJob, senderVerusID, content string) {
	nonce, err := attestation.NewNonce()
	if err != nil {
		log.WithJob(jobID).Error().Err(err).Msg("failed to generate turn nonce")
		return
	}

	jobLog := d.logFor(jobID)
	if jobLog != nil {
		jobLog.Append(types.DispatcherLogEntry{
			Role:    types.RoleUser,
			Content: content,
			Nonce:   nonce,
			Sender:  senderVerusID,
		})
	}

	timer := metrics.NewTimer()
	reply, err := d.containers.SendRequest(ctx, entry.Port, entry.BearerToken, content)
	timer.ObserveDuration(metrics.SandboxRequestDuration)
	if err != nil {
		log.WithJob(jobID).Error().Err(err).Str("nonce", nonce).Msg("sandbox request failed")
		if jobLog != nil {
			jobLog.Append(types.DispatcherLogEntry{
				Role:  types.RoleSystem,
				Event: "error",
				Nonce: nonce,
				Extra: map[string]interface{}{"error": err.Error()},
			})
		}
		d.replyTo(sess, jobID, "sorry, something went wrong processing your message. please try again.")
		return
	}

	truncated := reply
	if len(truncated) > maxReplyChars {
		truncated = truncated[:maxReplyChars] + truncationMarker
	}

	if jobLog != nil {
		jobLog.Append(types.DispatcherLogEntry{
			Role:    types.RoleAssistant,
			Content: truncated,
			Nonce:   nonce,
			Port:    entry.Port,
			Model:   "sandbox-default",
		})
	}

	d.replyTo(sess, jobID, truncated)
}

// logFor returns (opening and caching if needed) the transcript log for
// jobID. Returns nil on open failure; callers skip logging rather than
// failing the buyer's turn over a disk error.
func (d *Dispatcher) logFor(jobID string) *attestation.Log {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.logs[jobID]; ok {
		return l
	}
	l, err := attestation.OpenLog(d.cfg.JobsPath, jobID)
	if err != nil {
		log.WithJob(jobID).Error().Err(err).Msg("failed to open job transcript log")
		return nil
	}
	d.logs[jobID] = l
	return l
}

// replyTo sends content back into jobID's room through sess's chat
// transport, logging (not failing the caller) on transport error.
func (d *Dispatcher) replyTo(sess *IdentitySession, jobID, content string) {
	if err := sess.Chat.SendMessage(jobID, sess.Identity.IdentityName, content); err != nil {
		log.WithJob(jobID).Warn().Err(err).Msg("failed to send chat reply")
	}
}
