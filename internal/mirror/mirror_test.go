package mirror

import (
	"testing"
	"time"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/model"
)

func mustPatch(t *testing.T, m *Mirror, name string) *model.Patch {
	t.Helper()
	p, err := m.CreatePatch(name)
	if err != nil {
		t.Fatalf("CreatePatch(%q): %v", name, err)
	}
	return p
}

func mustObject(t *testing.T, m *Mirror, patchID, objType string) *model.Object {
	t.Helper()
	o, err := m.CreateObject(patchID, objType, model.Position{}, nil, 1, 1)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	return o
}

func TestCreatePatch(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")

	if p.Name != "main" {
		t.Errorf("Name = %q, want main", p.Name)
	}
	got, err := m.GetPatch(p.ID)
	if err != nil {
		t.Fatalf("GetPatch: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("GetPatch returned %s, want %s", got.ID, p.ID)
	}
}

func TestGetPatchNotFound(t *testing.T) {
	m := New()
	_, err := m.GetPatch("does-not-exist")
	be, ok := bridgeerr.As(err)
	if !ok {
		t.Fatal("expected a bridgeerr.Error")
	}
	if be.Code != bridgeerr.CodePatchNotFound {
		t.Errorf("Code = %d, want %d", be.Code, bridgeerr.CodePatchNotFound)
	}
}

func TestClosePatchCascadesObjectsAndConnections(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	a := mustObject(t, m, p.ID, "osc")
	b := mustObject(t, m, p.ID, "gain")
	conn, err := m.Connect(a.ID, 0, b.ID, 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.ClosePatch(p.ID); err != nil {
		t.Fatalf("ClosePatch: %v", err)
	}

	if _, err := m.GetPatch(p.ID); err == nil {
		t.Error("patch should no longer exist")
	}
	if _, err := m.GetObject(a.ID); err == nil {
		t.Error("object a should have been cascaded away")
	}
	if _, err := m.GetConnection(conn.ID); err == nil {
		t.Error("connection should have been cascaded away")
	}
}

func TestConnectRejectsCrossPatch(t *testing.T) {
	m := New()
	p1 := mustPatch(t, m, "one")
	p2 := mustPatch(t, m, "two")
	a := mustObject(t, m, p1.ID, "osc")
	b := mustObject(t, m, p2.ID, "gain")

	_, err := m.Connect(a.ID, 0, b.ID, 0)
	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeIncompatibleConnection {
		t.Fatalf("expected CodeIncompatibleConnection, got %v", err)
	}
}

func TestConnectRejectsOutOfRangeIndices(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	a := mustObject(t, m, p.ID, "osc")
	b := mustObject(t, m, p.ID, "gain")

	if _, err := m.Connect(a.ID, 5, b.ID, 0); err == nil {
		t.Error("expected outlet-out-of-range error")
	} else if be, ok := bridgeerr.As(err); !ok || be.Code != bridgeerr.CodeOutletOutOfRange {
		t.Errorf("got %v, want CodeOutletOutOfRange", err)
	}

	if _, err := m.Connect(a.ID, 0, b.ID, 5); err == nil {
		t.Error("expected inlet-out-of-range error")
	} else if be, ok := bridgeerr.As(err); !ok || be.Code != bridgeerr.CodeInletOutOfRange {
		t.Errorf("got %v, want CodeInletOutOfRange", err)
	}
}

func TestConnectRejectsCycle(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	a := mustObject(t, m, p.ID, "osc")
	b := mustObject(t, m, p.ID, "gain")

	if _, err := m.Connect(a.ID, 0, b.ID, 0); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, err := m.Connect(b.ID, 0, a.ID, 0)
	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeCircularConnection {
		t.Fatalf("expected CodeCircularConnection, got %v", err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	a := mustObject(t, m, p.ID, "osc")
	b := mustObject(t, m, p.ID, "gain")

	c1, err := m.Connect(a.ID, 0, b.ID, 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c2, err := m.Connect(a.ID, 0, b.ID, 0)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("deterministic connection id changed: %s != %s", c1.ID, c2.ID)
	}
}

func TestSetParameterStoresValue(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	o := mustObject(t, m, p.ID, "gain")

	if _, err := m.SetParameter(o.ID, "level", 0.5, model.ParamFloat); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	got, err := m.GetParameter(o.ID, "level")
	if err != nil {
		t.Fatalf("GetParameter: %v", err)
	}
	if got.Value.(float64) != 0.5 {
		t.Errorf("Value = %v, want 0.5", got.Value)
	}
}

func TestSetParameterOverwritesLastWriterWins(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	o := mustObject(t, m, p.ID, "gain")

	if _, err := m.SetParameter(o.ID, "level", 0.1, model.ParamFloat); err != nil {
		t.Fatalf("first SetParameter: %v", err)
	}
	got, err := m.SetParameter(o.ID, "level", "loud", model.ParamString)
	if err != nil {
		t.Fatalf("second SetParameter: %v", err)
	}
	if got.Value != "loud" || got.Type != model.ParamString {
		t.Errorf("got %+v, want value=loud type=string (last writer/last type wins)", got)
	}
}

func TestDiffReturnsOpsSinceSyncID(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	start := m.Snapshot().SyncID

	mustObject(t, m, p.ID, "osc")
	mustObject(t, m, p.ID, "gain")

	newSyncID, diffs, rebased := m.Diff(start)
	if rebased {
		t.Fatal("should not be rebased with a fresh mirror")
	}
	if len(diffs) != 2 {
		t.Errorf("got %d diffs, want 2", len(diffs))
	}
	if newSyncID != m.Snapshot().SyncID {
		t.Errorf("newSyncID = %d, want %d", newSyncID, m.Snapshot().SyncID)
	}
}

func TestDiffRebasesWhenAnchorTooOld(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	for i := 0; i < changeLogWindow+10; i++ {
		mustObject(t, m, p.ID, "osc")
	}

	_, _, rebased := m.Diff(0)
	if !rebased {
		t.Error("expected rebase once the anchor fell out of the retained window")
	}
}

func TestSubscribeReceivesStructuralEvents(t *testing.T) {
	m := New()
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	mustPatch(t, m, "main")

	select {
	case ev := <-sub.Events():
		if ev.Category != model.CategoryPatch || ev.Kind != model.KindCreated {
			t.Errorf("got %+v, want patch/created", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestSubscribeFilterExcludesOtherCategories(t *testing.T) {
	m := New()
	sub := m.Subscribe(model.CategoryParameter)
	defer m.Unsubscribe(sub)

	mustPatch(t, m, "main")

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered to a parameter-only subscriber: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMutateBatchIsAtomic(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	before := m.Snapshot()

	boom := bridgeerr.New(bridgeerr.CodeInternalError, "second op fails")
	_, err := m.mutate(
		op{apply: func(s *state) (*model.StateEvent, error) {
			s.patches[p.ID].Name = "renamed"
			return &model.StateEvent{Category: model.CategoryPatch, Kind: model.KindUpdated, SubjectID: p.ID}, nil
		}},
		op{apply: func(s *state) (*model.StateEvent, error) {
			return nil, boom
		}},
	)
	if err != boom {
		t.Fatalf("err = %v, want the second op's error", err)
	}

	got, gerr := m.GetPatch(p.ID)
	if gerr != nil {
		t.Fatalf("GetPatch: %v", gerr)
	}
	if got.Name != "main" {
		t.Errorf("Name = %q after failed batch, want the first op rolled back", got.Name)
	}
	if after := m.Snapshot(); after.SyncID != before.SyncID {
		t.Errorf("syncId advanced from %d to %d on a failed batch", before.SyncID, after.SyncID)
	}
}

func TestReadsAreIsolatedFromLaterWrites(t *testing.T) {
	m := New()
	p := mustPatch(t, m, "main")
	o := mustObject(t, m, p.ID, "osc")
	if _, err := m.SetParameter(o.ID, "freq", 440.0, model.ParamFloat); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}

	read, err := m.GetObject(o.ID)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if _, err := m.SetParameter(o.ID, "freq", 880.0, model.ParamFloat); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}

	if v := read.Params["freq"].Value; v != 440.0 {
		t.Errorf("earlier read observed later write: freq = %v, want 440", v)
	}
}
