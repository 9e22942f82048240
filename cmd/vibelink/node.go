package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/vibelink/internal/config"
	"github.com/kalambet/vibelink/internal/orchestrator"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/reconcile"
	"github.com/kalambet/vibelink/internal/storage"
)

// node bundles the local state every node-side command works against.
type node struct {
	cfg       config.Config
	store     *storage.Store
	profiles  *profile.Manager
	queue     *reconcile.Queue
	signature string
}

// loadConfig loads and validates configuration and installs logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func openNode(cfg config.Config) (*node, error) {
	salt, err := config.SignatureSalt()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	profiles := profile.NewManager(store, salt)
	sig, err := profiles.Signature(cfg.Identity.OwnerID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("deriving signature: %w", err)
	}
	return &node{
		cfg:       cfg,
		store:     store,
		profiles:  profiles,
		queue:     reconcile.NewQueue(store, cfg.Sync.BatchSize),
		signature: sig,
	}, nil
}

func (n *node) Close() error {
	return n.store.Close()
}

// requireProfile fails with a hint when the owner has not been onboarded.
func (n *node) requireProfile(ctx context.Context) error {
	_, err := n.profiles.Get(ctx, n.cfg.Identity.OwnerID)
	if errors.Is(err, profile.ErrNotFound) {
		return fmt.Errorf("no profile for %q; run `vibelink profile init` first", n.cfg.Identity.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	return nil
}

func (n *node) orchestrator() (*orchestrator.Orchestrator, error) {
	th, err := n.cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	w, err := n.cfg.Weights()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Config{
		OwnerID:        n.cfg.Identity.OwnerID,
		LocalSignature: n.signature,
		Profiles:       n.profiles,
		Recorder:       n.queue,
		Thresholds:     th,
		Weights:        w,
		Learning:       n.cfg.LearningParams(),
		Timeouts:       n.cfg.Timeouts(),
		Ceiling:        n.cfg.Peer.ConcurrencyCeiling,
		PendingLimit:   n.cfg.Peer.PendingLimit,
	})
}

// syncBackend returns the configured sink uploader, or nil when sync.url is unset.
func (n *node) syncBackend() reconcile.SyncBackend {
	if n.cfg.Sync.URL == "" {
		return nil
	}
	return reconcile.NewHTTPBackend(n.cfg.Sync.URL, n.cfg.Sync.Token, n.signature)
}
