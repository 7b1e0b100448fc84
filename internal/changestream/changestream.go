// Package changestream implements the Change Stream Consumer (spec
// component G): the long-running task that stands in for a persistent
// LDAP refresh search, polling the local directory for new entries and
// feeding them to the dispatcher, and driving the sync barrier through
// its initial-refresh "refresh-done" transition.
package changestream

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
)

// Deps are the Consumer's collaborators.
type Deps struct {
	Store        *directory.Store
	Dispatch     func(ctx context.Context, ev directory.ChangeEvent) error
	Barrier      *syncbarrier.Barrier
	BaseDir      string
	PollInterval time.Duration
}

// Consumer drives the poll loop.
type Consumer struct {
	deps   Deps
	cookie uint64
}

func New(deps Deps) *Consumer {
	if deps.PollInterval <= 0 {
		deps.PollInterval = time.Second
	}
	return &Consumer{deps: deps}
}

// Run executes the lifecycle spec 4.G describes: reset sync state,
// clear stale on-disk zone files, then poll in a loop until ctx is done,
// honoring shutdown at every wait (the polling ticker is the only
// blocking wait this stand-in has, in place of the real persistent
// search's blocking network read).
func (c *Consumer) Run(ctx context.Context) error {
	c.deps.Barrier.Reset()

	if err := c.clearStaleZoneFiles(); err != nil {
		log.Printf("changestream: clearing stale zone files: %v", err)
	}

	ticker := time.NewTicker(c.deps.PollInterval)
	defer ticker.Stop()

	caughtUp := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		events, err := c.deps.Store.PollSince(ctx, c.cookie, 0)
		if err != nil {
			// Spec 4.G step 6: the persistent-refresh call "returning" is an
			// unexpected condition in this poll-loop stand-in; log taint
			// before retrying rather than treating it as routine backoff.
			c.deps.Barrier.Taint("poll failed: " + err.Error())
			log.Printf("changestream: poll failed, will retry: %v", err)
			continue
		}

		for _, ev := range events {
			if err := c.deps.Dispatch(ctx, ev); err != nil {
				log.Printf("changestream: dispatch failed for %s: %v", ev.DN, err)
			}
			c.cookie = ev.Cookie
		}

		if !caughtUp {
			caughtUp = true
			if err := c.deps.Barrier.RefreshDone(ctx); err != nil {
				log.Printf("changestream: refresh-done wait failed: %v", err)
				caughtUp = false
			}
		}
	}
}

// clearStaleZoneFiles implements spec 4.G step 2: on-disk zone state from
// a previous run is removed up front, since projection re-materializes
// everything it needs once the refresh replays.
func (c *Consumer) clearStaleZoneFiles() error {
	if c.deps.BaseDir == "" {
		return nil
	}
	masterDir := filepath.Join(c.deps.BaseDir, "master")
	if err := os.RemoveAll(masterDir); err != nil {
		return fmt.Errorf("changestream: removing %s: %w", masterDir, err)
	}
	return nil
}
