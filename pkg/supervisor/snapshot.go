package supervisor

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
	"github.com/opd-ai/hiddenwire/pkg/logger"
	"github.com/opd-ai/hiddenwire/pkg/transport"
)

// Snapshot is the debug state snapshot spec §6 describes: a point-in-
// time view of the anonymizing-network orchestrator's state, written to
// Config.SnapshotPath on every transition the watchdog observes, for
// crash-diagnosis parity.
type Snapshot struct {
	V           int    `json:"v"`
	State       string `json:"state"`
	Onion       string `json:"onion,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
	SocksHost   string `json:"socksHost,omitempty"`
	SocksPort   int    `json:"socksPort,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorDetail string `json:"errorDetail,omitempty"`
	TS          int64  `json:"ts"`
}

// snapshotFromState maps an orchestrator State to its Snapshot
// representation. Extracted as a pure function so the mapping can be
// tested without writing to disk or running a real transport.
func snapshotFromState(st transport.State, now time.Time) Snapshot {
	snap := Snapshot{V: 1, State: st.String(), TS: now.UnixMilli()}
	switch s := st.(type) {
	case transport.TransportReady:
		snap.SocksHost = s.SocksHost
		snap.SocksPort = s.SocksPort
	case transport.HiddenServicePublishing:
		snap.Onion = s.Onion
	case transport.Ready:
		snap.Onion = s.Onion
		snap.SocksHost = s.SocksHost
		snap.SocksPort = s.SocksPort
	case transport.Error:
		snap.Onion = s.OnionHint
		snap.ErrorCode = string(s.Code)
		snap.ErrorDetail = s.Detail
	}
	return snap
}

// recordSnapshot records the metrics counter for st and, if a snapshot
// path is configured, best-effort writes the runtime.json debug file.
// A write failure is logged, never fatal: the snapshot exists purely to
// help an operator diagnose a stuck boot, not to gate correctness.
func (s *Supervisor) recordSnapshot(st transport.State) {
	s.metrics.RecordOrchestratorTransition(st.String())

	if s.cfg.SnapshotPath == "" {
		return
	}
	snap := snapshotFromState(st, time.Now())
	snap.LocalPort = s.localIngressPort()
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("failed to marshal runtime snapshot", "error", err)
		return
	}
	tmp := s.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.log.Warn("failed to write runtime snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.cfg.SnapshotPath); err != nil {
		s.log.Warn("failed to finalize runtime snapshot", "error", err)
	}
}

// cleanupStaleSnapshotTemp removes any *.tmp runtime snapshot left behind
// by a process that crashed between the WriteFile and Rename in
// recordSnapshot. Best-effort: a leftover temp file is harmless clutter,
// never a correctness problem, so a cleanup failure only gets logged.
func (s *Supervisor) cleanupStaleSnapshotTemp(log *logger.Logger) {
	if s.cfg.SnapshotPath == "" {
		return
	}
	if err := autoconfig.CleanupTempFiles(filepath.Dir(s.cfg.SnapshotPath)); err != nil {
		log.Warn("failed to clean up stale snapshot temp files", "error", err)
	}
}

// localIngressPort returns the bound local ingress port, or 0 if the
// ingress server has not started yet.
func (s *Supervisor) localIngressPort() int {
	s.mu.Lock()
	srv := s.ingress
	s.mu.Unlock()
	if srv == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
