// Package supervisor implements the Service Supervisor (C9): the single
// ordered boot sequence that brings every other component to
// reachability, the watchdog that re-triggers a full boot when
// readiness is lost, and the periodic invite garbage collection that
// drops the ephemeral invite hidden service once no invite is live.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
	"github.com/opd-ai/hiddenwire/pkg/contacts"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/inbound"
	"github.com/opd-ai/hiddenwire/pkg/ingress"
	"github.com/opd-ai/hiddenwire/pkg/invite"
	"github.com/opd-ai/hiddenwire/pkg/logger"
	"github.com/opd-ai/hiddenwire/pkg/metrics"
	"github.com/opd-ai/hiddenwire/pkg/outbound"
	"github.com/opd-ai/hiddenwire/pkg/replay"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/transport"
)

// VirtualPort is the hidden-service virtual port this node advertises;
// it always maps to the Local Ingress Server's current local port.
const VirtualPort = 80

// Config carries the supervisor's own timing knobs, narrowed from
// pkg/config.Config the same way pkg/transport.Config is: this package
// has no import-cycle dependency on the config layer.
type Config struct {
	IngressBindAddr     string
	IngressStartTimeout time.Duration
	StrictVerifiedOnly  bool
	AllowDirectHTTP     bool
	DebugMode           bool
	ReplayLRUSize       int
	InviteGCInterval    time.Duration
	WatchdogMinBackoff  time.Duration
	WatchdogMaxBackoff  time.Duration
	SnapshotPath        string // "" disables the runtime.json debug snapshot
}

// Supervisor owns the boot sequence, the watchdog, and invite GC for a
// running node.
type Supervisor struct {
	cfg       Config
	identity  *identity.Vault
	transport *transport.Orchestrator
	store     *store.Store
	contacts  *contacts.Manager
	invite    *invite.Manager
	metrics   *metrics.Metrics
	log       *logger.Logger

	ingress *ingress.Server
	sender  *outbound.Sender

	bootGen uint64 // atomic

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	doneWG  sync.WaitGroup
}

// Deps wires the supervisor to its collaborators. Identity, Transport,
// and Store must already be constructed; the supervisor builds the
// Ingress Server, Outbound Sender, Contact Manager, and Invite Manager
// itself so it can wire the loopback address and SOCKS dialer that only
// become known partway through boot.
type Deps struct {
	Cfg       Config
	Identity  *identity.Vault
	Transport *transport.Orchestrator
	Store     *store.Store
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// New creates a Supervisor. Boot must be called to bring it up.
func New(deps Deps) *Supervisor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Log == nil {
		deps.Log = logger.NewDefault()
	}
	cm := contacts.New(deps.Store)
	return &Supervisor{
		cfg:       deps.Cfg,
		identity:  deps.Identity,
		transport: deps.Transport,
		store:     deps.Store,
		contacts:  cm,
		invite:    invite.New(deps.Store, deps.Identity),
		metrics:   deps.Metrics,
		log:       deps.Log.Component("supervisor"),
		stopCh:    make(chan struct{}),
	}
}

// Sender returns the Outbound Sender. It is nil until Boot reaches its
// attach_socks_client_to_sender step, and nil again from the start of a
// later Boot until that step runs once more.
func (s *Supervisor) Sender() *outbound.Sender { return s.sender }

// Ingress returns the Local Ingress Server, valid once Boot has bound
// its socket.
func (s *Supervisor) Ingress() *ingress.Server { return s.ingress }

// Contacts returns the Contact Manager shared by the pipeline, sender,
// and ingress server.
func (s *Supervisor) Contacts() *contacts.Manager { return s.contacts }

// Invite returns the Invite Manager.
func (s *Supervisor) Invite() *invite.Manager { return s.invite }

// Boot runs the single ordered boot sequence from a cold or reset
// state: ensure_identity → detach_sender → start_or_reset_transport →
// await_bootstrap → get_socks_endpoint → start_local_ingress →
// ensure_hidden_service → bind_onion_to_identity →
// attach_socks_client_to_sender → emit READY. Any failed step aborts
// the boot and returns its error; the caller decides whether to retry
// (RunWatchdog does this automatically once Boot first succeeds).
func (s *Supervisor) Boot(ctx context.Context) error {
	myGen := atomic.AddUint64(&s.bootGen, 1)
	log := s.log.With("boot_generation", myGen)

	superseded := func() bool { return atomic.LoadUint64(&s.bootGen) != myGen }

	s.cleanupStaleSnapshotTemp(log)

	log.Info("boot: ensure_identity")
	if _, err := s.identity.EnsureIdentity(); err != nil {
		return fmt.Errorf("supervisor: ensure_identity: %w", err)
	}

	log.Info("boot: detach_sender")
	s.detachSender()

	log.Info("boot: start_or_reset_transport")
	if err := s.startOrResetTransport(ctx); err != nil {
		return fmt.Errorf("supervisor: start_or_reset_transport: %w", err)
	}
	if superseded() {
		return nil
	}

	log.Info("boot: await_bootstrap")
	if err := s.transport.AwaitReady(ctx); err != nil {
		return fmt.Errorf("supervisor: await_bootstrap: %w", err)
	}
	if superseded() {
		return nil
	}

	log.Info("boot: get_socks_endpoint")
	// The orchestrator's Dialer() reads its own socksHost/socksPort under
	// lock on every call; nothing to cache here beyond confirming state.
	if _, err := s.transport.Dialer(); err != nil {
		return fmt.Errorf("supervisor: get_socks_endpoint: %w", err)
	}

	log.Info("boot: start_local_ingress")
	if err := s.startLocalIngress(ctx); err != nil {
		return fmt.Errorf("supervisor: start_local_ingress: %w", err)
	}
	if superseded() {
		return nil
	}

	log.Info("boot: ensure_hidden_service")
	_, localPortStr, err := net.SplitHostPort(s.ingress.Addr())
	if err != nil {
		return fmt.Errorf("supervisor: ensure_hidden_service: %w", err)
	}
	localPort, err := strconv.Atoi(localPortStr)
	if err != nil {
		return fmt.Errorf("supervisor: ensure_hidden_service: %w", err)
	}
	onion, err := s.transport.EnsureHiddenService(ctx, localPort, VirtualPort)
	if err != nil {
		return fmt.Errorf("supervisor: ensure_hidden_service: %w", err)
	}
	if superseded() {
		return nil
	}

	log.Info("boot: bind_onion_to_identity", "onion", onion)
	if err := s.identity.BindOnion(onion); err != nil {
		return fmt.Errorf("supervisor: bind_onion_to_identity: %w", err)
	}

	log.Info("boot: attach_socks_client_to_sender")
	s.attachSender()

	log.Info("READY", "onion", onion)
	return nil
}

// detachSender drops the previous Sender so no send is attempted
// through a transport that is about to be reset. A fresh Sender is
// built in attachSender once the new transport reaches Ready.
func (s *Supervisor) detachSender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = nil
}

func (s *Supervisor) attachSender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ingressAddr := func() string {
		if s.ingress == nil {
			return ""
		}
		return s.ingress.Addr()
	}
	s.sender = outbound.New(outbound.Deps{
		Identity:        s.identity,
		Contacts:        s.contacts,
		Store:           s.store,
		Transport:       s.transport,
		AllowDirectHTTP: s.cfg.AllowDirectHTTP,
		IngressAddr:     ingressAddr,
		Log:             s.log,
	})
}

func (s *Supervisor) startOrResetTransport(ctx context.Context) error {
	switch s.transport.State().(type) {
	case transport.Stopped:
		return s.transport.Start(ctx)
	default:
		return s.transport.Reconnect(ctx)
	}
}

func (s *Supervisor) startLocalIngress(ctx context.Context) error {
	s.mu.Lock()
	if s.ingress == nil {
		s.ingress = ingress.New(ingress.Deps{
			Pipeline: inbound.New(inbound.Deps{
				Identity:           s.identity,
				Contacts:           s.contacts,
				Store:              s.store,
				Replay:             replay.New(s.cfg.ReplayLRUSize),
				StrictVerifiedOnly: s.cfg.StrictVerifiedOnly,
			}),
			Invite:    s.invite,
			Contacts:  s.contacts,
			DebugMode: s.cfg.DebugMode,
			Log:       s.log,
		})
	}
	srv := s.ingress
	s.mu.Unlock()

	if srv.Addr() != "" {
		return nil
	}

	timeout := s.cfg.IngressStartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		_, err := srv.Start(s.cfg.IngressBindAddr)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("supervisor: local ingress did not bind within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the watchdog and invite-GC loops and tears down the
// ingress server and transport, releasing the bound loopback port.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	ingressSrv := s.ingress
	s.mu.Unlock()

	s.doneWG.Wait()

	if ingressSrv != nil {
		_ = ingressSrv.Close()
	}
	_ = s.transport.Stop()
}
