package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/fwdreg"
	"github.com/ldapdns/zonesync/internal/settings"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
	"github.com/ldapdns/zonesync/internal/tasks"
	"github.com/ldapdns/zonesync/internal/zonedb"
	"github.com/ldapdns/zonesync/internal/zonereg"
)

const baseDN = "cn=dns,dc=example,dc=test"

type recorder struct {
	ch chan Class
}

func newRecorder() *recorder { return &recorder{ch: make(chan Class, 8)} }

func newDispatcher(t *testing.T, rec *recorder) (*Dispatcher, *zonereg.Register, *fwdreg.Register, *syncbarrier.Barrier, *tasks.Registry) {
	t.Helper()
	zones := zonereg.New(0)
	forwards := fwdreg.New()
	taskReg := tasks.NewRegistry(8, nil)
	barrier := syncbarrier.New()

	handlers := Handlers{
		ConfigureInstance: func(ctx context.Context, ev directory.ChangeEvent) error {
			rec.ch <- ClassConfig
			return nil
		},
		ZoneHandler: func(ctx context.Context, ev directory.ChangeEvent, owner, origin string, q *tasks.Queue) error {
			if fwdEntry, err := forwards.Get(origin); err == nil {
				_ = fwdEntry
				rec.ch <- ClassForward
				return nil
			}
			rec.ch <- ClassMaster
			return nil
		},
		RecordHandler: func(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error {
			rec.ch <- ClassRecord
			return nil
		},
	}

	d := New(baseDN, zones, forwards, taskReg, barrier, nil, handlers)
	t.Cleanup(taskReg.StopAll)
	return d, zones, forwards, barrier, taskReg
}

func waitClass(t *testing.T, rec *recorder, want Class) {
	t.Helper()
	select {
	case got := <-rec.ch:
		if got != want {
			t.Fatalf("got class %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handler, want %s", want)
	}
}

func TestDispatchConfigEntry(t *testing.T) {
	rec := newRecorder()
	d, _, _, _, _ := newDispatcher(t, rec)

	ev := directory.ChangeEvent{
		Type: directory.ChangeAdd,
		DN:   " CN=DNS , DC=example , DC=test ",
		Entry: entry.New(baseDN, entry.ClassConfig, map[string][]string{
			"idnsForwardPolicy": {"none"},
		}),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassConfig)
}

func TestDispatchMasterZoneEntryNotYetRegisteredRoutesToInstance(t *testing.T) {
	rec := newRecorder()
	d, _, _, _, _ := newDispatcher(t, rec)

	ev := directory.ChangeEvent{
		Type: directory.ChangeAdd,
		DN:   "idnsName=example.org., " + baseDN,
		Entry: entry.New("idnsName=example.org., "+baseDN, entry.ClassMasterZone, map[string][]string{
			"idnsSOArName": {"hostmaster.example.org."},
		}),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassMaster)
}

func TestDispatchRecordEntryUnderRegisteredZoneUsesZoneQueue(t *testing.T) {
	rec := newRecorder()
	d, zones, _, _, taskReg := newDispatcher(t, rec)

	if err := zones.Add("example.org.", "idnsName=example.org., "+baseDN, zonereg.KindMaster, zonedb.New("example.org."), settings.New(nil), true); err != nil {
		t.Fatalf("zones.Add: %v", err)
	}

	ev := directory.ChangeEvent{
		Type: directory.ChangeAdd,
		DN:   "idnsName=host, idnsName=example.org., " + baseDN,
		Entry: entry.New("idnsName=host, idnsName=example.org., "+baseDN, entry.ClassRecord, map[string][]string{
			"aRecord": {"192.0.2.1"},
		}),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassRecord)

	// The work must have gone through the zone's own queue, not the
	// instance queue, matching "per-zone task found in the zone register".
	if taskReg.ZoneQueue("example.org.") == taskReg.Instance() {
		t.Fatalf("zone queue should be distinct from the instance queue")
	}
}

func TestDispatchDeleteClassifiesByRegisterMembership(t *testing.T) {
	rec := newRecorder()
	d, zones, forwards, _, _ := newDispatcher(t, rec)

	if err := zones.Add("master.example.", "idnsName=master.example., "+baseDN, zonereg.KindMaster, zonedb.New("master.example."), settings.New(nil), true); err != nil {
		t.Fatalf("zones.Add: %v", err)
	}
	if err := forwards.Install("forward.example.", fwdreg.PolicyFirst, []string{"192.0.2.53"}); err != nil {
		t.Fatalf("forwards.Install: %v", err)
	}

	masterDelete := directory.ChangeEvent{Type: directory.ChangeDelete, DN: "idnsName=master.example., " + baseDN}
	if err := d.Dispatch(context.Background(), masterDelete); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassMaster)

	forwardDelete := directory.ChangeEvent{Type: directory.ChangeDelete, DN: "idnsName=forward.example., " + baseDN}
	if err := d.Dispatch(context.Background(), forwardDelete); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassForward)

	recordDelete := directory.ChangeEvent{Type: directory.ChangeDelete, DN: "idnsName=host, idnsName=master.example., " + baseDN}
	if err := d.Dispatch(context.Background(), recordDelete); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassRecord)
}

func TestDispatchRegistersWithBarrierDuringInit(t *testing.T) {
	rec := newRecorder()
	d, _, _, barrier, _ := newDispatcher(t, rec)

	ev := directory.ChangeEvent{
		Type:  directory.ChangeAdd,
		DN:    baseDN,
		Entry: entry.New(baseDN, entry.ClassConfig, nil),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := barrier.RefreshDone(ctx); err != nil {
		t.Fatalf("RefreshDone: %v", err)
	}
	if !barrier.IsFinished() {
		t.Fatalf("expected barrier to be finished after refresh-done drained the registered queue")
	}
}

func waitTainted(t *testing.T, barrier *syncbarrier.Barrier, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if barrier.Tainted() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for Tainted() == %v", want)
}

func TestDispatchTaintsBarrierOnUnrecognizedHandlerError(t *testing.T) {
	rec := newRecorder()
	zones := zonereg.New(0)
	forwards := fwdreg.New()
	taskReg := tasks.NewRegistry(8, nil)
	barrier := syncbarrier.New()
	t.Cleanup(taskReg.StopAll)

	handlers := Handlers{
		RecordHandler: func(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error {
			rec.ch <- ClassRecord
			return errors.New("boom")
		},
	}
	d := New(baseDN, zones, forwards, taskReg, barrier, nil, handlers)

	ev := directory.ChangeEvent{
		Type: directory.ChangeAdd,
		DN:   "idnsName=host, idnsName=example.org., " + baseDN,
		Entry: entry.New("idnsName=host, idnsName=example.org., "+baseDN, entry.ClassRecord, map[string][]string{
			"aRecord": {"192.0.2.1"},
		}),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassRecord)
	waitTainted(t, barrier, true)
}

func TestDispatchDoesNotTaintOnKnownRetryableHandlerError(t *testing.T) {
	rec := newRecorder()
	zones := zonereg.New(0)
	forwards := fwdreg.New()
	taskReg := tasks.NewRegistry(8, nil)
	barrier := syncbarrier.New()
	t.Cleanup(taskReg.StopAll)

	handlers := Handlers{
		RecordHandler: func(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error {
			rec.ch <- ClassRecord
			return direrr.ErrNotConnected
		},
	}
	d := New(baseDN, zones, forwards, taskReg, barrier, nil, handlers)

	ev := directory.ChangeEvent{
		Type: directory.ChangeAdd,
		DN:   "idnsName=host, idnsName=example.org., " + baseDN,
		Entry: entry.New("idnsName=host, idnsName=example.org., "+baseDN, entry.ClassRecord, map[string][]string{
			"aRecord": {"192.0.2.1"},
		}),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitClass(t, rec, ClassRecord)

	// Give the task a moment to run to completion before asserting the
	// negative; there is no event to wait on for "stayed untainted".
	time.Sleep(50 * time.Millisecond)
	if barrier.Tainted() {
		t.Fatalf("expected a known retryable error not to taint the instance")
	}
}
