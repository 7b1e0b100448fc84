// Package instance wires every other package in this module into one
// running sync engine: the directory store, the zone and forward
// registers, the settings layers, the connection pool and write-back
// path, the zone projector and record updater, the dispatcher, and the
// change-stream consumer that drives them all. It also implements
// ConfigureInstance, the Config-class dispatcher handler, since the
// global settings and forward registers it touches belong to the
// instance rather than to any single zone.
package instance

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/ldapdns/zonesync/internal/changestream"
	"github.com/ldapdns/zonesync/internal/config"
	"github.com/ldapdns/zonesync/internal/dirpool"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/dispatcher"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/fwdreg"
	"github.com/ldapdns/zonesync/internal/journal"
	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/ldapdns/zonesync/internal/projector"
	"github.com/ldapdns/zonesync/internal/recordupdate"
	"github.com/ldapdns/zonesync/internal/settings"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
	"github.com/ldapdns/zonesync/internal/tasks"
	"github.com/ldapdns/zonesync/internal/writeback"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/prometheus/client_golang/prometheus"
)

// Instance owns every long-lived collaborator for one sync engine, keyed
// by a single LDAP_BASE/Directory configuration.
type Instance struct {
	cfg config.Config

	Store    *directory.Store
	Journals *journal.Store
	Zones    *zonereg.Register
	Forwards *fwdreg.Register
	Global   *settings.Set
	Barrier  *syncbarrier.Barrier
	Tasks    *tasks.Registry
	Metrics  *metrics.Metrics
	Pool     *dirpool.Pool

	WriteBack  *writeback.WriteBack
	projector  *projector.Projector
	updater    *recordupdate.Updater
	dispatcher *dispatcher.Dispatcher
	consumer   *changestream.Consumer
}

// New opens the store and journal at cfg's paths and wires the rest of
// the sync engine around them, ready for Start. reg receives every
// metric this instance registers (pass a dedicated prometheus.Registry
// in tests to avoid collisions with other instances in the same
// process).
func New(cfg config.Config, reg prometheus.Registerer) (*Instance, error) {
	store, err := directory.Open(cfg.DBPath, cfg.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("instance: opening directory store: %w", err)
	}

	journals, err := journal.Open(cfg.JournalPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("instance: opening journal: %w", err)
	}

	m := metrics.New(reg)
	i := &Instance{
		cfg:      cfg,
		Store:    store,
		Journals: journals,
		Zones:    zonereg.New(1024),
		Forwards: fwdreg.New(),
		Global:   settings.New(nil),
		Barrier:  syncbarrier.New(),
		Tasks:    tasks.NewRegistry(64, m),
		Metrics:  m,
	}
	declareGlobalSettings(i.Global)

	// The directory protocol library itself is out of scope (spec
	// section 2); every pool slot binds straight to the local store,
	// which plays the role the real LDAP server would.
	i.Pool = dirpool.New(cfg.Connections, cfg.ReconnectInterval, cfg.Timeout, m, func(slot int) dirpool.Binder {
		return writeback.StoreBinder{Store: store}
	})
	i.WriteBack = writeback.New(writeback.Deps{Pool: i.Pool, Zones: i.Zones, Metrics: i.Metrics})

	i.projector = projector.New(projector.Deps{
		Zones:          i.Zones,
		Forwards:       i.Forwards,
		GlobalSettings: i.Global,
		Journals:       i.Journals,
		BaseDir:        cfg.Directory,
		FakeMName:      cfg.FakeMName,
		Barrier:        i.Barrier,
		Metrics:        i.Metrics,
		WriteBackSOA:   i.WriteBack.WriteBackSOA,
	})

	i.updater = recordupdate.New(recordupdate.Deps{
		Zones:        i.Zones,
		FakeMName:    cfg.FakeMName,
		Barrier:      i.Barrier,
		Journals:     i.Journals,
		Metrics:      i.Metrics,
		WriteBackSOA: i.WriteBack.WriteBackSOA,
		ReloadZone:   i.reloadZone,
		SyncPTR:      i.WriteBack.SyncPTR,
	})

	i.dispatcher = dispatcher.New(cfg.Base, i.Zones, i.Forwards, i.Tasks, i.Barrier, i.Metrics, dispatcher.Handlers{
		ConfigureInstance: i.configureInstance,
		ZoneHandler:       i.projector.Handle,
		RecordHandler:     i.updater.Handle,
	})

	i.consumer = changestream.New(changestream.Deps{
		Store:        store,
		Dispatch:     i.dispatcher.Dispatch,
		Barrier:      i.Barrier,
		BaseDir:      cfg.Directory,
		PollInterval: time.Second,
	})

	// Spec 4.I step 7: a zone created during the initial refresh is
	// registered but held back from internal/dnsserver until the barrier
	// reaches Finished, at which point every such zone is published at
	// once rather than trickling in one at a time.
	i.Barrier.OnFinish(func() {
		i.Zones.PublishAll()
	})

	return i, nil
}

// Start runs the change-stream consumer until ctx is done, the way the
// teacher's runDNS/runAPI subsystems block until their server's
// ShutdownContext completes.
func (i *Instance) Start(ctx context.Context) error {
	return i.consumer.Run(ctx)
}

// Stop drains and stops every task queue and closes the store and
// journal. Start's ctx should already be canceled before calling Stop.
func (i *Instance) Stop() {
	i.Tasks.StopAll()
	if err := i.Journals.Close(); err != nil {
		log.Printf("instance: closing journal: %v", err)
	}
	if err := i.Store.Close(); err != nil {
		log.Printf("instance: closing directory store: %v", err)
	}
}

// reloadZone implements the ReloadZone hook recordupdate.Deps documents:
// re-fetch the zone's own directory entry and re-run it through the
// projector synchronously, giving a NotLoaded/BadZone outcome exactly one
// chance to resolve itself (spec 4.J step 7) before the caller retries.
func (i *Instance) reloadZone(ctx context.Context, origin string) error {
	dn, err := i.Zones.GetDN(origin)
	if err != nil {
		return fmt.Errorf("instance: locating zone %s to reload: %w", origin, err)
	}
	e, err := i.Store.Get(ctx, dn)
	if err != nil {
		return fmt.Errorf("instance: reloading zone entry %s: %w", dn, err)
	}
	ev := directory.ChangeEvent{Type: directory.ChangeModify, DN: dn, Entry: e}
	queue := i.Tasks.ZoneQueue(origin)
	return i.projector.Handle(ctx, ev, origin, origin, queue)
}

// configureInstance implements dispatcher.Handlers.ConfigureInstance: it
// applies the single config object's dynamic-update/PTR-sync defaults
// onto the global settings layer every zone falls back to, and installs
// or removes a root ("." origin) forward-zone registration mirroring
// idnsForwardPolicy/idnsForwarders, the same way the zone projector
// handles a per-zone forward takeover.
func (i *Instance) configureInstance(ctx context.Context, ev directory.ChangeEvent) error {
	if ev.Type == directory.ChangeDelete || ev.Entry == nil {
		i.Global.Unset("dyn_update")
		i.Global.Unset("sync_ptr")
		i.Forwards.Remove(".")
		return nil
	}

	mappings := []settings.Mapping{
		{SettingKey: "dyn_update", Attribute: "idnsAllowDynUpdate", Kind: settings.KindBool},
		{SettingKey: "sync_ptr", Attribute: "idnsAllowSyncPTR", Kind: settings.KindBool},
	}
	if err := i.Global.UpdateFromEntryAtomic(ev.Entry, mappings); err != nil {
		return fmt.Errorf("instance: updating global settings: %w", err)
	}

	policy, forwarders, ok := parseGlobalForwarders(ev.Entry)
	if !ok {
		i.Forwards.Remove(".")
		return nil
	}
	if err := i.Forwards.Install(".", policy, forwarders); err != nil {
		return fmt.Errorf("instance: installing global forwarders: %w", err)
	}
	log.Printf("instance: global forwarders installed (%d addresses, policy=%v)", len(forwarders), policy)
	return nil
}

// parseGlobalForwarders mirrors the zone projector's own
// parseForwarderOverride: ok is false if no usable policy/forwarder pair
// was declared, in which case the caller should remove any existing
// global forward registration rather than install one.
func parseGlobalForwarders(e *entry.Entry) (policy fwdreg.Policy, forwarders []string, ok bool) {
	policy, recognized := fwdreg.ParsePolicy(e.AttrFirst("idnsForwardPolicy"))
	if !recognized || policy == fwdreg.PolicyNone {
		return fwdreg.PolicyNone, nil, false
	}
	for _, addr := range e.Attr("idnsForwarders") {
		if net.ParseIP(strings.TrimSpace(addr)) != nil {
			forwarders = append(forwarders, addr)
		}
	}
	if len(forwarders) == 0 {
		return fwdreg.PolicyNone, nil, false
	}
	return policy, forwarders, true
}

func declareGlobalSettings(set *settings.Set) {
	set.Declare("dyn_update", settings.KindBool, false, false)
	set.Declare("sync_ptr", settings.KindBool, false, false)
}
