package dispatcher

import (
	"context"
	"fmt"

	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// reconcile implements spec §4.6: authenticate every identity (the
// credential proxy is already started by the caller), look up its still-open jobs (accepted/in_progress), rejoin
// their chat rooms, and record them as seen — without reattaching to any
// previous container. The next buyer turn for one of these jobs falls
// through the router's "not present" branch and spins up a fresh sandbox
// on demand.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	for _, sess := range d.identities {
		if err := sess.Market.Login(ctx); err != nil {
			return fmt.Errorf("authenticate identity %s: %w", sess.Identity.AgentID, err)
		}

		for _, status := range []types.JobStatus{types.JobStatusAccepted, types.JobStatusInProgress} {
			jobs, err := sess.Market.Jobs(ctx, string(status))
			if err != nil {
				log.WithIdentity(sess.Identity.AgentID).Warn().Err(err).Str("status", string(status)).Msg("failed to list open jobs during reconciliation")
				continue
			}
			for _, job := range jobs {
				d.mu.Lock()
				d.jobRecord[job.ID] = job
				d.jobIdentity[job.ID] = sess
				d.mu.Unlock()

				if err := sess.Chat.JoinRoom(job.ID); err != nil {
					log.WithJob(job.ID).Warn().Err(err).Msg("failed to rejoin chat room during reconciliation")
				}
				log.WithJob(job.ID).Info().Str("status", string(status)).Msg("reconciled open job, awaiting next buyer turn")
			}
		}
	}
	return nil
}
