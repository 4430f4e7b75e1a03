// Package dispatcher wires together the marketplace client, chat
// transport, container manager, credential proxy, and attestation log
// into the admission/router/lifecycle core described in spec.md §4.
// Concurrency state (the active-job table, port pool, rate limiter) is
// owned by the Dispatcher value; the router, container manager, and
// proxy communicate through narrow interfaces injected at construction,
// not mutual pointers (spec §9 Design notes).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/attestation"
	"github.com/autobb888/vap-dispatcher/pkg/chat"
	"github.com/autobb888/vap-dispatcher/pkg/config"
	"github.com/autobb888/vap-dispatcher/pkg/container"
	"github.com/autobb888/vap-dispatcher/pkg/events"
	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/ratelimit"
	"github.com/autobb888/vap-dispatcher/pkg/signer"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// MarketClient is the subset of *marketplace.Client the dispatcher drives.
// Narrowed to an interface so tests can supply a fake marketplace without
// standing up an httptest server per case.
type MarketClient interface {
	Login(ctx context.Context) error
	Jobs(ctx context.Context, status string) ([]types.Job, error)
	Accept(ctx context.Context, jobID string, timestampUnix int64, signature string) error
	SubmitAttestation(ctx context.Context, payload interface{}) error
	Ping(ctx context.Context) error
}

// ChatTransport is the subset of *chat.Client the dispatcher drives.
type ChatTransport interface {
	Run(ctx context.Context)
	JoinRoom(jobID string) error
	SetHandler(h chat.MessageHandler)
	SendMessage(jobID, senderVerusID, content string) error
}

// ContainerRuntime is the subset of *container.Manager the dispatcher
// drives. Narrowed so admission/router tests don't require a live Docker
// daemon.
type ContainerRuntime interface {
	Start(ctx context.Context, jobID string, port int, token string, soul string) (*container.Handle, error)
	WaitForHealth(ctx context.Context, port int, token string) error
	SendRequest(ctx context.Context, port int, token, messageText string) (string, error)
	Destroy(ctx context.Context, h *container.Handle) error
	Ping(ctx context.Context) error
}

// TokenIssuer is the subset of *proxy.Server the dispatcher drives.
type TokenIssuer interface {
	NewToken(jobID string) (string, error)
	Revoke(token string)
	TokenCount() int
}

// IdentitySession bundles everything the dispatcher needs per pre-
// registered identity: its signer, its own marketplace client (each
// identity authenticates separately), and its chat transport.
type IdentitySession struct {
	Identity *types.Identity
	Signer   *signer.Signer
	Market   MarketClient
	Chat     ChatTransport
}

// Dispatcher is the core of the system: one process serving a pool of
// identities, a shared port pool, a shared credential proxy, and one
// active-job table.
type Dispatcher struct {
	cfg        *config.Config
	identities []*IdentitySession
	containers ContainerRuntime
	proxy      TokenIssuer
	ports      *container.PortPool
	accepts    *ratelimit.AcceptLimiter
	queue      *ratelimit.Queue
	events     *events.Broker

	mu     sync.Mutex
	active map[string]*types.ActiveJob // jobID -> entry
	ghost  map[string]*time.Timer      // jobID -> ghost timer

	jobIdentity map[string]*IdentitySession // jobID -> owning identity, for replies/attestation
	jobRecord   map[string]types.Job        // jobID -> last-known marketplace job detail
	handles     map[string]*container.Handle
	turnLock    map[string]*sync.Mutex // jobID -> per-job serialization lock (router §4.4)
	logs        map[string]*attestation.Log

	shuttingDown bool
}

// New constructs a Dispatcher ready to run. Callers build the identity
// sessions, container manager, and proxy server first (cmd/vap-dispatcher
// wires the concrete Docker client, marketplace clients, etc.).
func New(cfg *config.Config, identities []*IdentitySession, containers ContainerRuntime, proxySrv TokenIssuer) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		identities:  identities,
		containers:  containers,
		proxy:       proxySrv,
		ports:       container.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.PortCooldown, nil),
		accepts:     ratelimit.NewAcceptLimiter(cfg.MaxAcceptsPerMinute, nil),
		queue:       ratelimit.NewQueue(cfg.MaxQueuedJobs),
		events:      events.NewBroker(),
		active:      make(map[string]*types.ActiveJob),
		ghost:       make(map[string]*time.Timer),
		jobIdentity: make(map[string]*IdentitySession),
		jobRecord:   make(map[string]types.Job),
		handles:     make(map[string]*container.Handle),
		turnLock:    make(map[string]*sync.Mutex),
		logs:        make(map[string]*attestation.Log),
	}

	for _, sess := range identities {
		s := sess
		s.Chat.SetHandler(func(jobID, senderVerusID, content string) {
			d.onChatMessage(s, jobID, senderVerusID, content)
		})
	}

	return d
}

// Run starts the admission poll loop, the lifecycle enforcement loop, and
// every identity's chat transport, blocking until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.events.Start()

	if err := d.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile on start: %w", err)
	}

	var wg sync.WaitGroup
	for _, sess := range d.identities {
		wg.Add(1)
		go func(s *IdentitySession) {
			defer wg.Done()
			s.Chat.Run(ctx)
		}(sess)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.lifecycleLoop(ctx)
	}()

	<-ctx.Done()
	d.shutdown(context.Background())
	wg.Wait()
	return nil
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) lifecycleLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ports.Tick()
			d.enforceLifetimes(ctx)
			d.drainQueueIfRoom(ctx)
		}
	}
}

// shutdown implements spec §4.7: stop accepting new jobs, destroy all
// in-use containers (revoke then stop), best-effort attestations where
// time permits, then stop the event broker. The credential proxy's HTTP
// server is not stopped here; the caller shuts it down after Run returns.
func (d *Dispatcher) shutdown(ctx context.Context) {
	d.mu.Lock()
	d.shuttingDown = true
	jobs := make([]*types.ActiveJob, 0, len(d.active))
	for _, j := range d.active {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	for _, j := range jobs {
		if j.State != types.StateReady && j.State != types.StateStarting {
			continue
		}
		d.retire(ctx, j.JobID, types.RetireShutdown, "")
	}

	d.events.Stop()
	log.Logger.Info().Msg("dispatcher shutdown complete")
}

// Subscribe returns a channel of lifecycle events, for an admin surface or
// log-follower to consume (see pkg/health for the liveness/readiness
// consumer of this same Dispatcher).
func (d *Dispatcher) Subscribe() events.Subscriber {
	return d.events.Subscribe()
}

// Unsubscribe releases a subscription returned by Subscribe.
func (d *Dispatcher) Unsubscribe(sub events.Subscriber) {
	d.events.Unsubscribe(sub)
}

// ActiveJobCount returns the number of jobs currently tracked in any
// active state (queued, starting, ready), for readiness reporting.
func (d *Dispatcher) ActiveJobCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// ActiveJobCountByState implements metrics.Sampler.
func (d *Dispatcher) ActiveJobCountByState() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range d.active {
		counts[string(j.State)]++
	}
	return counts
}

// QueueLength implements metrics.Sampler.
func (d *Dispatcher) QueueLength() int {
	return d.queue.Len()
}

// PortPoolOccupancy implements metrics.Sampler.
func (d *Dispatcher) PortPoolOccupancy() (inUse, size int) {
	return d.ports.InUseCount(), d.ports.Size()
}

// ProxyTokenCount implements metrics.Sampler.
func (d *Dispatcher) ProxyTokenCount() int {
	return d.proxy.TokenCount()
}

// MarketplaceReachable implements health.Checker: it pings the first
// configured identity's marketplace session. Every identity shares the
// same marketplace host, so one reachable session is representative.
func (d *Dispatcher) MarketplaceReachable(ctx context.Context) error {
	if len(d.identities) == 0 {
		return fmt.Errorf("no identities configured")
	}
	return d.identities[0].Market.Ping(ctx)
}

// ContainerRuntimeReachable implements health.Checker: it pings the Docker
// daemon backing the container runtime.
func (d *Dispatcher) ContainerRuntimeReachable(ctx context.Context) error {
	return d.containers.Ping(ctx)
}

func (d *Dispatcher) identityFor(jobID string) *IdentitySession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobIdentity[jobID]
}

// nextFreeIdentity returns an identity session not currently assigned to
// any active job, implementing the "free pool" concept from spec §4.1.
func (d *Dispatcher) nextFreeIdentity() *IdentitySession {
	d.mu.Lock()
	defer d.mu.Unlock()

	busy := make(map[string]bool, len(d.jobIdentity))
	for _, s := range d.jobIdentity {
		busy[s.Identity.AgentID] = true
	}
	for _, s := range d.identities {
		if !busy[s.Identity.AgentID] {
			return s
		}
	}
	return nil
}
