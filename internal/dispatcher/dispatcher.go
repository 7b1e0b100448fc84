// Package dispatcher implements the Dispatcher (spec component H): it
// classifies each change-stream event by directory schema, hands it to
// the matching handler, and posts the work to the correct per-zone or
// instance task queue, registering with the sync barrier while the
// initial refresh is still in progress.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/dnsname"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/fwdreg"
	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
	"github.com/ldapdns/zonesync/internal/tasks"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/miekg/dns"
)

// Class is the directory-schema classification an event is routed by.
type Class int

const (
	ClassConfig Class = iota
	ClassMaster
	ClassForward
	ClassRecord
)

func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassMaster:
		return "master"
	case ClassForward:
		return "forward"
	case ClassRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Handlers are the downstream components the dispatcher routes to. They
// are supplied as plain functions so this package has no compile-time
// dependency on the projector/record-updater implementations.
type Handlers struct {
	// ConfigureInstance handles a Config-class event.
	ConfigureInstance func(ctx context.Context, ev directory.ChangeEvent) error
	// ZoneHandler handles a Master- or Forward-class event. queue is the
	// task this work was posted to (the zone projector enters exclusive
	// mode on it per spec 4.I step 2).
	ZoneHandler func(ctx context.Context, ev directory.ChangeEvent, owner, origin string, queue *tasks.Queue) error
	// RecordHandler handles a Record-class event.
	RecordHandler func(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error
}

// Dispatcher classifies and routes change-stream events.
type Dispatcher struct {
	baseDN   string
	zones    *zonereg.Register
	forwards *fwdreg.Register
	taskReg  *tasks.Registry
	barrier  *syncbarrier.Barrier
	metrics  *metrics.Metrics
	handlers Handlers
}

// New creates a Dispatcher. baseDN is the instance's configured search
// base, used to recognize the single Config entry. m may be nil.
func New(baseDN string, zones *zonereg.Register, forwards *fwdreg.Register, taskReg *tasks.Registry, barrier *syncbarrier.Barrier, m *metrics.Metrics, handlers Handlers) *Dispatcher {
	return &Dispatcher{baseDN: baseDN, zones: zones, forwards: forwards, taskReg: taskReg, barrier: barrier, metrics: m, handlers: handlers}
}

// Dispatch classifies ev, posts it to the correct task queue, and
// registers that queue with the sync barrier while the initial refresh
// is still draining.
func (d *Dispatcher) Dispatch(ctx context.Context, ev directory.ChangeEvent) error {
	class, owner, origin, err := d.classify(ev)
	if err != nil {
		return fmt.Errorf("dispatcher: classify %s: %w", ev.DN, err)
	}
	if d.metrics != nil {
		d.metrics.TasksDispatched.WithLabelValues(class.String()).Inc()
	}

	queue := d.queueFor(class, origin)

	task := func(taskCtx context.Context) {
		var handlerErr error
		switch class {
		case ClassConfig:
			handlerErr = d.handlers.ConfigureInstance(taskCtx, ev)
		case ClassMaster, ClassForward:
			handlerErr = d.handlers.ZoneHandler(taskCtx, ev, owner, origin, queue)
		case ClassRecord:
			handlerErr = d.handlers.RecordHandler(taskCtx, ev, owner, origin)
		}
		if handlerErr != nil {
			log.Printf("dispatcher: %s event for %s failed: %v", class, ev.DN, handlerErr)
			// General policy (spec section 7): handler errors never stop
			// the consumer, but one that doesn't match a known
			// retry-handled condition suggests the directory and the
			// projected zone state have diverged, which this process
			// cannot self-correct.
			if suggestsDivergence(handlerErr) {
				d.barrier.Taint(fmt.Sprintf("%s handler for %s: %v", class, ev.DN, handlerErr))
			}
		}
	}

	if err := queue.Post(task); err != nil {
		return fmt.Errorf("dispatcher: post %s: %w", ev.DN, err)
	}

	if d.barrier.State() == syncbarrier.StateInit {
		d.barrier.Register(queue)
	}
	return nil
}

// suggestsDivergence reports whether a handler error is something other
// than a known transient or already-retried condition: connectivity
// trouble, a reconnect backoff window, a zone caught mid-(re)projection,
// a zone the handler already retried once and gave up on, or a missing
// entry from an ordinary delete race are all expected; anything else has
// no explanation short of the directory and the projected state having
// drifted apart.
func suggestsDivergence(err error) bool {
	switch {
	case errors.Is(err, direrr.ErrNotConnected),
		errors.Is(err, direrr.ErrTimeout),
		errors.Is(err, direrr.ErrShutdown),
		errors.Is(err, direrr.ErrSoftQuota),
		errors.Is(err, direrr.ErrNotLoaded),
		errors.Is(err, direrr.ErrBadZone),
		errors.Is(err, direrr.ErrNotFound):
		return false
	default:
		return true
	}
}

// classify implements spec 4.H step 1.
func (d *Dispatcher) classify(ev directory.ChangeEvent) (class Class, owner, origin string, err error) {
	if dnsname.IsConfigDN(ev.DN, d.baseDN) {
		return ClassConfig, "", "", nil
	}

	owner, origin, err = dnsname.FromDN(ev.DN)
	if err != nil {
		return 0, "", "", err
	}

	if ev.Type != directory.ChangeDelete {
		switch {
		case ev.Entry.Classes.Has(entry.ClassForwardZone):
			return ClassForward, owner, origin, nil
		case ev.Entry.Classes.Has(entry.ClassMasterZone):
			return ClassMaster, owner, origin, nil
		default:
			return ClassRecord, owner, origin, nil
		}
	}

	// Delete events carry no objectClass; fall back to register lookups.
	if d.forwards.Has(owner) {
		return ClassForward, owner, origin, nil
	}
	if info, infoErr := d.zones.GetInfo(owner); infoErr == nil && info.Origin == dns.Fqdn(owner) && info.Kind == zonereg.KindMaster {
		return ClassMaster, owner, origin, nil
	}
	return ClassRecord, owner, origin, nil
}

// queueFor implements spec 4.H step 3.
func (d *Dispatcher) queueFor(class Class, origin string) *tasks.Queue {
	switch class {
	case ClassMaster, ClassRecord:
		if _, err := d.zones.GetInfo(origin); err == nil {
			return d.taskReg.ZoneQueue(origin)
		}
		return d.taskReg.Instance()
	default:
		return d.taskReg.Instance()
	}
}
