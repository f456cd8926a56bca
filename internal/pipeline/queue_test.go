package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/model"
)

func TestOverflowBuffer_PushAndDrain(t *testing.T) {
	o := newOverflowBuffer(10, "", 0, slog.Default())
	e := model.Event{Domain: "light", EntityID: "light.kitchen", Timestamp: time.Now()}

	if !o.Push(e) {
		t.Fatal("push into non-full buffer should succeed")
	}
	drained := o.Drain(10)
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained event, got %d", len(drained))
	}
}

func TestOverflowBuffer_SpillsToDiskWhenFull(t *testing.T) {
	dir := t.TempDir()
	o := newOverflowBuffer(1, dir, 0, slog.Default())

	e1 := model.Event{Domain: "light", EntityID: "light.a", Timestamp: time.Now()}
	e2 := model.Event{Domain: "light", EntityID: "light.b", Timestamp: time.Now()}

	if !o.Push(e1) {
		t.Fatal("first push should fit in-memory buffer")
	}
	if !o.Push(e2) {
		t.Fatal("second push should spill to disk")
	}

	path := filepath.Join(dir, "overflow.ndjson")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected spill file to exist: %v", err)
	}
}

func TestOverflowBuffer_RecoversSpilledEvents(t *testing.T) {
	dir := t.TempDir()
	o := newOverflowBuffer(0, dir, 0, slog.Default())

	e := model.Event{
		Domain:   "sensor",
		EntityID: "sensor.temp",
		Type:     "state_changed",
		Timestamp: time.Unix(0, 1735689600000000000),
		Attributes: map[string]model.Value{
			"value": model.Float(21.5),
		},
	}
	if !o.spillToDisk(e) {
		t.Fatal("spillToDisk should succeed")
	}

	recovered, err := o.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("expected 1 recovered event, got %d", len(recovered))
	}
	if recovered[0].EntityID != "sensor.temp" {
		t.Errorf("EntityID = %q, want sensor.temp", recovered[0].EntityID)
	}
	v, _ := recovered[0].Attr("value").AsFloat()
	if v != 21.5 {
		t.Errorf("value = %v, want 21.5", v)
	}

	if _, err := os.Stat(filepath.Join(dir, "overflow.ndjson")); !os.IsNotExist(err) {
		t.Error("spill file should be deleted after recovery")
	}
}

func TestOverflowBuffer_RecoverNoFileIsNoOp(t *testing.T) {
	o := newOverflowBuffer(0, t.TempDir(), 0, slog.Default())
	recovered, err := o.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Errorf("expected nil recovered slice, got %v", recovered)
	}
}

func TestOverflowBuffer_MaxBytesCapsSpill(t *testing.T) {
	dir := t.TempDir()
	o := newOverflowBuffer(0, dir, 1, slog.Default())
	e := model.Event{Domain: "light", EntityID: "light.a", Timestamp: time.Now()}

	o.spillToDisk(e)
	if ok := o.spillToDisk(e); ok {
		t.Error("spill should be rejected once maxBytes is exceeded")
	}
}
