package varletdb

import (
	"testing"
	"time"
)

// TestNewID checks that IDs are the right length and don't repeat.
func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 26 {
			t.Fatalf("NewID() = %q with length %d, want 26", id, len(id))
		}
		if seen[id] {
			t.Fatalf("NewID() repeated value %q", id)
		}
		seen[id] = true
	}
}

// TestDisconnected checks that a dummy or nil connection reports itself
// unconnected and that recording to it is a harmless no-op.
func TestDisconnected(t *testing.T) {
	var nilconn *Connection
	if nilconn.IsConnected() {
		t.Error("nil Connection claims to be connected")
	}
	db := DummyConnection()
	if db.IsConnected() {
		t.Error("DummyConnection claims to be connected")
	}

	// None of these may block or panic on an unconnected DB.
	cmsg := &CaptureMessage{ID: NewID(), Source: "SimLogicSource", Start: time.Now()}
	db.RecordCapture(cmsg)
	db.FinishCapture(cmsg)
	db.RecordCapture(nil)
	db.RecordFile(&CaptureFileMessage{CaptureID: cmsg.ID, Filename: "x.vcd", Filetype: "VCD"})
	db.RecordFile(nil)
	db.Disconnect()
}
