// Package transport wraps the external anonymizing-network process (Tor,
// driven through cretz/bine) and exposes a single observable state for the
// rest of the node: Stopped, Starting, Bootstrapping, TransportReady,
// HiddenServicePublishing, Ready, or Error.
package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
	"github.com/opd-ai/hiddenwire/pkg/logger"
)

const (
	bootstrapPollInterval = 750 * time.Millisecond
	hsKeyFileName         = "hs_ed25519_key.sealed"
)

// Config carries the orchestrator's timing and storage configuration. It is
// deliberately narrow (not pkg/config.Config itself) so this package has no
// import-cycle dependency on the config layer.
type Config struct {
	DataDirectory     string
	BootstrapTimeout  time.Duration
	HSPublishTimeout  time.Duration
	AwaitReadyTimeout time.Duration
}

// Orchestrator manages the lifecycle of the anonymizing-network process and
// the node's hidden services.
type Orchestrator struct {
	cfg     Config
	log     *logger.Logger
	sealKey []byte // device-bound AES-256 key for hidden-service key sealing

	mu          sync.Mutex
	t           *tor.Tor
	socksHost   string
	socksPort   int
	bootGen     uint64
	resetDone   map[uint64]bool
	inviteOnion *tor.OnionService

	current atomic.Value // State

	subMu sync.Mutex
	subs  []chan State
}

// New creates an Orchestrator in the Stopped state. sealKey must be a
// 32-byte AES-256 key derived from the node's device-bound identity
// material; it is used to seal the persisted hidden-service private key.
func New(cfg Config, log *logger.Logger, sealKey []byte) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		log:       log.Component("transport"),
		sealKey:   sealKey,
		resetDone: make(map[uint64]bool),
	}
	o.current.Store(State(Stopped{}))
	return o
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	return o.current.Load().(State)
}

// Subscribe returns a channel that receives every subsequent state
// transition. Publishing is best-effort non-blocking: a slow subscriber
// misses intermediate states but never blocks the orchestrator.
func (o *Orchestrator) Subscribe() <-chan State {
	ch := make(chan State, 8)
	o.subMu.Lock()
	o.subs = append(o.subs, ch)
	o.subMu.Unlock()
	return ch
}

func (o *Orchestrator) publish(s State) {
	o.current.Store(s)
	o.log.Debug("transport state transition", "state", s.String())
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// onionHint returns the last known onion address, if any, for carrying
// forward into an Error state.
func (o *Orchestrator) onionHint() string {
	switch s := o.State().(type) {
	case Ready:
		return s.Onion
	case HiddenServicePublishing:
		return s.Onion
	case Error:
		return s.OnionHint
	default:
		return ""
	}
}

func (o *Orchestrator) fail(code ErrorCode, detail string, recoverable bool) {
	o.publish(Error{Code: code, Detail: detail, Recoverable: recoverable, OnionHint: o.onionHint()})
}

// Start launches the anonymizing-network process. It does not block until
// the network is ready; call AwaitReady for that.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.t != nil {
		return nil
	}

	o.publish(Starting{})
	o.bootGen++

	runtimeDir, err := o.runtimeDir()
	if err != nil {
		o.fail(ErrIo, err.Error(), true)
		return nodeerrors.Wrap(nodeerrors.CategoryRuntime, nodeerrors.SeverityHigh, "TRANSPORT_RUNTIME_DIR", "prepare runtime directory", err)
	}

	o.socksPort = autoconfig.FindAvailablePort(0)
	o.socksHost = "127.0.0.1"

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.BootstrapTimeout)
	defer cancel()

	t, err := tor.Start(startCtx, &tor.StartConf{
		DataDir: runtimeDir,
		NoHush:  true,
		ExtraArgs: []string{
			"--SocksPort", fmt.Sprintf("%s:%d", o.socksHost, o.socksPort),
		},
	})
	if err != nil {
		o.fail(ErrControlUnavailable, err.Error(), true)
		return nodeerrors.WrapRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityHigh, "TOR_START_FAILED", "start anonymizing-network process", err)
	}
	o.t = t

	return nil
}

// Stop tears down the anonymizing-network process and any hidden services.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked()
}

func (o *Orchestrator) stopLocked() error {
	if o.inviteOnion != nil {
		_ = o.inviteOnion.Close()
		o.inviteOnion = nil
	}
	if o.t == nil {
		o.publish(Stopped{})
		return nil
	}
	err := o.t.Close()
	o.t = nil
	o.publish(Stopped{})
	return err
}

// StopService is an alias for Stop kept to mirror the operation name used
// in the node's boot/shutdown sequence.
func (o *Orchestrator) StopService() error { return o.Stop() }

// Reconnect tears down and restarts the anonymizing-network process,
// preserving the persisted hidden-service key on disk.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.mu.Lock()
	_ = o.stopLocked()
	o.mu.Unlock()
	return o.Start(ctx)
}

// AwaitReady polls bootstrap progress until the SOCKS proxy is usable or
// the budget is exhausted.
func (o *Orchestrator) AwaitReady(ctx context.Context) error {
	deadline := time.Now().Add(o.cfg.AwaitReadyTimeout)
	ticker := time.NewTicker(bootstrapPollInterval)
	defer ticker.Stop()

	for {
		progress, tag, summary, done, err := o.pollBootstrap()
		if err != nil {
			o.fail(ErrControlUnavailable, err.Error(), true)
			return nodeerrors.WrapRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityMedium, "CONTROL_UNAVAILABLE", "poll bootstrap status", err)
		}
		if done {
			o.publish(TransportReady{SocksHost: o.socksHost, SocksPort: o.socksPort})
			return nil
		}
		o.publish(Bootstrapping{Progress: progress, Tag: tag, Summary: summary})

		if time.Now().After(deadline) {
			o.fail(ErrBootstrapTimeout, "bootstrap did not complete within budget", true)
			return nodeerrors.NewRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityHigh, "BOOTSTRAP_TIMEOUT", "bootstrap timed out")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollBootstrap asks the control connection for the current bootstrap
// phase. Returns done=true once PROGRESS=100 TAG=done is observed.
func (o *Orchestrator) pollBootstrap() (progress int, tag, summary string, done bool, err error) {
	o.mu.Lock()
	t := o.t
	o.mu.Unlock()
	if t == nil || t.Control == nil {
		return 0, "", "", false, fmt.Errorf("transport: control connection unavailable")
	}

	resp, err := t.Control.GetInfo("status/bootstrap-phase")
	if err != nil || len(resp) == 0 {
		return 0, "", "", false, fmt.Errorf("transport: GETINFO status/bootstrap-phase: %w", err)
	}
	progress, tag, summary = parseBootstrapLine(resp[0].Val)
	return progress, tag, summary, progress >= 100 && tag == "done", nil
}

// Dialer returns a SOCKS5 dialer through the anonymizing network, used by
// the Outbound Sender to reach peer hidden services.
func (o *Orchestrator) Dialer() (proxy.Dialer, error) {
	o.mu.Lock()
	host, port := o.socksHost, o.socksPort
	o.mu.Unlock()
	if port == 0 {
		return nil, fmt.Errorf("transport: not ready")
	}
	return proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", host, port), nil, proxy.Direct)
}

func (o *Orchestrator) runtimeDir() (string, error) {
	return autoconfig.EnsureSubDir(o.cfg.DataDirectory, "tor-runtime")
}

func (o *Orchestrator) hsKeyPath() string {
	return filepath.Join(o.cfg.DataDirectory, hsKeyFileName)
}

// parseBootstrapLine parses a Tor GETINFO status/bootstrap-phase response
// value of the form:
//
//	PROGRESS=100 TAG=done SUMMARY="Done"
func parseBootstrapLine(line string) (progress int, tag, summary string) {
	fmt.Sscanf(extractField(line, "PROGRESS="), "%d", &progress)
	return progress, extractField(line, "TAG="), extractQuoted(line, "SUMMARY=")
}

func extractField(line, key string) string {
	idx := indexOf(line, key)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(key):]
	end := 0
	for end < len(rest) && rest[end] != ' ' {
		end++
	}
	return rest[:end]
}

func extractQuoted(line, key string) string {
	idx := indexOf(line, key)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(key):]
	if len(rest) == 0 || rest[0] != '"' {
		return extractField(line, key)
	}
	rest = rest[1:]
	end := 0
	for end < len(rest) && rest[end] != '"' {
		end++
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
