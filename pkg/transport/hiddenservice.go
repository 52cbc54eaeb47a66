package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/cretz/bine/tor"

	"github.com/opd-ai/hiddenwire/pkg/crypto"
	nodeerrors "github.com/opd-ai/hiddenwire/pkg/errors"
)

// EnsureHiddenService publishes (or resumes) the node's persistent hidden
// service. If a sealed private key already exists on disk it is reused so
// the onion address is stable across restarts; otherwise a fresh Ed25519
// key pair is generated and sealed to disk before returning.
func (o *Orchestrator) EnsureHiddenService(ctx context.Context, localPort, virtualPort int) (string, error) {
	o.mu.Lock()
	t := o.t
	bootGen := o.bootGen
	o.mu.Unlock()
	if t == nil {
		return "", nodeerrors.NewRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityHigh, "QUEUED_TOR_NOT_READY", "anonymizing network not started")
	}

	priv, err := o.loadOrCreatePersistedKey()
	if err != nil {
		o.fail(ErrIo, err.Error(), true)
		return "", nodeerrors.Wrap(nodeerrors.CategoryCrypto, nodeerrors.SeverityHigh, "HS_KEY_LOAD_FAILED", "load or create hidden-service key", err)
	}

	o.publish(HiddenServicePublishing{Onion: ""})

	listenCtx, cancel := context.WithTimeout(ctx, o.cfg.HSPublishTimeout)
	defer cancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		Version3:    true,
		RemotePorts: []int{virtualPort},
		LocalPort:   localPort,
		Key:         priv,
	})
	if err != nil {
		return o.handlePublishFailure(ctx, bootGen, err)
	}

	addr := fmt.Sprintf("%s.onion", onion.ID)
	o.publish(Ready{Onion: addr, SocksHost: o.socksHost, SocksPort: o.socksPort})
	return addr, nil
}

// handlePublishFailure maps a descriptor-publish failure to the
// HiddenServicePublishTimeout error state and, once per boot attempt,
// triggers an automatic wipe-and-restart of the anonymizing-network state.
func (o *Orchestrator) handlePublishFailure(ctx context.Context, bootGen uint64, cause error) (string, error) {
	o.fail(ErrHiddenServicePublishTO, cause.Error(), true)

	o.mu.Lock()
	alreadyReset := o.resetDone[bootGen]
	if !alreadyReset {
		o.resetDone[bootGen] = true
	}
	o.mu.Unlock()

	if !alreadyReset {
		o.log.Warn("hidden service descriptor publish timed out; resetting transport state", "boot_generation", bootGen)
		if err := o.ResetTransportOnly(); err != nil {
			o.log.Error("automatic transport reset failed", "error", err)
		}
	}

	return "", nodeerrors.WrapRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityCritical, "HS_PUBLISH_TIMEOUT", "hidden service descriptor publish timed out", cause)
}

// EnsureInviteHiddenService creates an ephemeral onion service, not
// persisted to disk, memoized until DropInviteHiddenService is called.
func (o *Orchestrator) EnsureInviteHiddenService(ctx context.Context, localPort, virtualPort int) (string, error) {
	o.mu.Lock()
	t := o.t
	existing := o.inviteOnion
	o.mu.Unlock()

	if existing != nil {
		return fmt.Sprintf("%s.onion", existing.ID), nil
	}
	if t == nil {
		return "", nodeerrors.NewRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityHigh, "QUEUED_TOR_NOT_READY", "anonymizing network not started")
	}

	listenCtx, cancel := context.WithTimeout(ctx, o.cfg.HSPublishTimeout)
	defer cancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		Version3:    true,
		RemotePorts: []int{virtualPort},
		LocalPort:   localPort,
	})
	if err != nil {
		return "", nodeerrors.WrapRetryable(nodeerrors.CategoryTransport, nodeerrors.SeverityMedium, "INVITE_HS_PUBLISH_TIMEOUT", "invite hidden service descriptor publish timed out", err)
	}

	o.mu.Lock()
	o.inviteOnion = onion
	o.mu.Unlock()

	return fmt.Sprintf("%s.onion", onion.ID), nil
}

// DropInviteHiddenService best-effort tears down the ephemeral invite
// onion and clears its memoized state.
func (o *Orchestrator) DropInviteHiddenService() error {
	o.mu.Lock()
	onion := o.inviteOnion
	o.inviteOnion = nil
	o.mu.Unlock()

	if onion == nil {
		return nil
	}
	return onion.Close()
}

// ResetTransportOnly deletes the persisted hidden-service key, the runtime
// directory, and any cached onion hint, then returns to Stopped.
func (o *Orchestrator) ResetTransportOnly() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_ = o.stopLocked()

	var firstErr error
	if err := os.Remove(o.hsKeyPath()); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.RemoveAll(o.runtimeDirUnsafe()); err != nil && firstErr == nil {
		firstErr = err
	}

	o.publish(Stopped{})
	return firstErr
}

func (o *Orchestrator) runtimeDirUnsafe() string {
	dir, _ := o.runtimeDir()
	return dir
}

// loadOrCreatePersistedKey returns the node's persistent hidden-service
// Ed25519 private key, unsealing it from disk if present, otherwise
// generating and sealing a fresh one.
func (o *Orchestrator) loadOrCreatePersistedKey() (ed25519.PrivateKey, error) {
	path := o.hsKeyPath()

	sealed, err := os.ReadFile(path)
	if err == nil {
		plain, err := crypto.Unseal(o.sealKey, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("unseal persisted hidden-service key: %w", err)
		}
		if len(plain) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("persisted hidden-service key has unexpected length %d", len(plain))
		}
		return ed25519.PrivateKey(plain), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read persisted hidden-service key: %w", err)
	}

	_, priv, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate hidden-service key: %w", err)
	}

	sealedKey, err := crypto.Seal(o.sealKey, priv, nil)
	if err != nil {
		return nil, fmt.Errorf("seal hidden-service key: %w", err)
	}
	if err := os.WriteFile(path, sealedKey, 0o600); err != nil {
		return nil, fmt.Errorf("persist sealed hidden-service key: %w", err)
	}

	return ed25519.PrivateKey(priv), nil
}
