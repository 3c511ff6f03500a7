package varlet

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Probe represents the name assigned to one logic channel.
type Probe struct {
	Channel int
	Name    string
}

// ProbeMap represents the set of named probes connected to the analyzer.
type ProbeMap struct {
	Probes   []Probe
	Filename string
}

// readProbeMap parses a probe-map file: one "channel name" pair per line,
// channels counted from zero.
func readProbeMap(filename string) (*ProbeMap, error) {
	pm := new(ProbeMap)
	pm.Probes = make([]Probe, 0)
	pm.Filename = filename

	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	seen := make(map[int]bool)
	for {
		var p Probe
		_, err := fmt.Fscanf(file, "%d %s\n", &p.Channel, &p.Name)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("readProbeMap %q after %d probes: %v", filename, len(pm.Probes), err)
		}
		if p.Channel < 0 || p.Channel >= 64 {
			return nil, fmt.Errorf("readProbeMap: channel %d out of range [0, 64)", p.Channel)
		}
		if seen[p.Channel] {
			return nil, fmt.Errorf("readProbeMap: channel %d named twice", p.Channel)
		}
		seen[p.Channel] = true
		pm.Probes = append(pm.Probes, p)
	}
	return pm, nil
}

// Names returns the probe names indexed by channel, for the first nchan
// channels. Unnamed channels get an empty string. Safe to call on nil.
func (pm *ProbeMap) Names(nchan int) []string {
	names := make([]string, nchan)
	if pm == nil {
		return names
	}
	for _, p := range pm.Probes {
		if p.Channel < nchan {
			names[p.Channel] = p.Name
		}
	}
	return names
}

// ProbeMapServer is the RPC service that loads and broadcasts probe maps.
// RPC calls arrive on arbitrary goroutines, so the current map is guarded.
type ProbeMapServer struct {
	Map           *ProbeMap
	clientUpdates chan<- ClientUpdate
	lock          sync.Mutex
}

func newProbeMapServer() *ProbeMapServer {
	return new(ProbeMapServer)
}

// Load reads a probe-map file and broadcasts it to clients.
func (ps *ProbeMapServer) Load(filename *string, reply *bool) error {
	pm, err := readProbeMap(*filename)
	*reply = err == nil
	if err != nil {
		return err
	}
	ps.lock.Lock()
	ps.Map = pm
	ps.lock.Unlock()
	ps.broadcastMap()
	return nil
}

// Unload forgets the current probe map.
func (ps *ProbeMapServer) Unload(zero *int, reply *bool) error {
	ps.lock.Lock()
	ps.Map = nil
	ps.lock.Unlock()
	ps.broadcastMap()
	*reply = true
	return nil
}

// names returns the probe names of the current map, indexed by channel.
func (ps *ProbeMapServer) names(nchan int) []string {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.Map.Names(nchan)
}

func (ps *ProbeMapServer) broadcastMap() {
	ps.lock.Lock()
	pm := ps.Map
	ps.lock.Unlock()
	if pm == nil {
		ps.clientUpdates <- ClientUpdate{"PROBEMAPFILE", "no map file"}
		ps.clientUpdates <- ClientUpdate{"PROBEMAP", "no map loaded"}
	} else {
		ps.clientUpdates <- ClientUpdate{"PROBEMAPFILE", pm.Filename}
		ps.clientUpdates <- ClientUpdate{"PROBEMAP", pm}
	}
}
