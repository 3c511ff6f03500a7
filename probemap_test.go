package varlet

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeMap(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "probes.txt")
	contents := "0 CLK\n1 MOSI\n2 MISO\n5 CS\n"
	if err := os.WriteFile(fname, []byte(contents), 0664); err != nil {
		t.Fatal(err)
	}

	pm, err := readProbeMap(fname)
	if err != nil {
		t.Fatalf("Could not read probe map %q: %v", fname, err)
	}
	if len(pm.Probes) != 4 {
		t.Errorf("map has %d probes, want 4", len(pm.Probes))
	}
	if pm.Filename != fname {
		t.Errorf("map.Filename=%q, want %q", pm.Filename, fname)
	}
	names := pm.Names(8)
	wantNames := []string{"CLK", "MOSI", "MISO", "", "", "CS", "", ""}
	for i, want := range wantNames {
		if names[i] != want {
			t.Errorf("Names(8)[%d]=%q, want %q", i, names[i], want)
		}
	}

	// A nil map still yields a full slice of defaults.
	var nilmap *ProbeMap
	if n := nilmap.Names(3); len(n) != 3 || n[0] != "" {
		t.Errorf("nil map Names(3) = %v, want 3 empty strings", n)
	}

	if _, err1 := readProbeMap(filepath.Join(dir, "doesnotexist.txt")); err1 == nil {
		t.Error("readProbeMap() on nonexistent file should error")
	}

	bad := filepath.Join(dir, "dup.txt")
	os.WriteFile(bad, []byte("0 CLK\n0 ALSO_CLK\n"), 0664)
	if _, err1 := readProbeMap(bad); err1 == nil {
		t.Error("readProbeMap() with a duplicate channel should error")
	}

	worse := filepath.Join(dir, "range.txt")
	os.WriteFile(worse, []byte("99 NOPE\n"), 0664)
	if _, err1 := readProbeMap(worse); err1 == nil {
		t.Error("readProbeMap() with channel 99 should error")
	}
}

// TestProbeMapServer checks that Load and Unload broadcast the map state.
func TestProbeMapServer(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "probes.txt")
	if err := os.WriteFile(fname, []byte("0 D0\n1 D1\n"), 0664); err != nil {
		t.Fatal(err)
	}

	updates := make(chan ClientUpdate, 10)
	ps := newProbeMapServer()
	ps.clientUpdates = updates

	var reply bool
	if err := ps.Load(&fname, &reply); err != nil || !reply {
		t.Fatalf("Load: reply=%v, err=%v", reply, err)
	}
	if ps.Map == nil || len(ps.Map.Probes) != 2 {
		t.Fatalf("Load left server map %+v", ps.Map)
	}
	u := <-updates
	if u.tag != "PROBEMAPFILE" {
		t.Errorf("first update tag %q, want PROBEMAPFILE", u.tag)
	}
	u = <-updates
	if u.tag != "PROBEMAP" {
		t.Errorf("second update tag %q, want PROBEMAP", u.tag)
	}

	zero := 0
	if err := ps.Unload(&zero, &reply); err != nil || !reply {
		t.Fatalf("Unload: reply=%v, err=%v", reply, err)
	}
	if ps.Map != nil {
		t.Error("Unload left a map behind")
	}
	<-updates
	u = <-updates
	if s, ok := u.state.(string); !ok || s != "no map loaded" {
		t.Errorf("Unload broadcast %v, want \"no map loaded\"", u.state)
	}

	missing := "nosuchfile.txt"
	if err := ps.Load(&missing, &reply); err == nil || reply {
		t.Error("Load of missing file should error with reply false")
	}
}
