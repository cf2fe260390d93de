package core

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"zigbee-gateway/internal/radio"
)

// fakeRadio records submitted requests and lets tests drive confirms
// and indications by hand.
type fakeRadio struct {
	mu        sync.Mutex
	formed    bool
	busy      bool
	submitted []radio.Request
	nextID    uint8
	confirm   func(radio.Confirm)
	indicate  func(radio.Indication)
	nodes     []radio.NodeInfo
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{formed: true}
}

func (f *fakeRadio) Submit(req *radio.Request) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.formed {
		return 0, radio.ErrNotJoined
	}
	if f.busy {
		return 0, radio.ErrBusy
	}
	f.nextID++
	f.submitted = append(f.submitted, *req)
	return f.nextID, nil
}

func (f *fakeRadio) OnConfirm(handler func(radio.Confirm))       { f.confirm = handler }
func (f *fakeRadio) OnIndication(handler func(radio.Indication)) { f.indicate = handler }
func (f *fakeRadio) NetworkFormed() bool                         { return f.formed }
func (f *fakeRadio) Nodes() []radio.NodeInfo                     { return f.nodes }
func (f *fakeRadio) Close() error                                { return nil }

func (f *fakeRadio) sent() []radio.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]radio.Request, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeRadio) lastID() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCore() (*Core, *fakeRadio) {
	r := newFakeRadio()
	logger := testLogger()
	c := New(logger, Config{}, r, nil, nil, NewEventBus(logger))
	return c, r
}

// testLight registers a light directly, bypassing discovery.
func testLight(c *Core, id string, ext uint64, endpoint uint8) *LightNode {
	l := &LightNode{
		Endpoint:  endpoint,
		ProfileID: profileHA,
		ModelID:   "LCT001",
	}
	l.ID = id
	l.ExtAddress = ext
	l.Available = true
	l.LastSeen = time.Now()
	updateEtag(&l.Etag)
	c.lights = append(c.lights, l)
	return l
}

// testSensor registers a switch sensor with a commissioning cluster.
func testSensor(c *Core, id string, ext uint64, endpoint uint8) *Sensor {
	s := &Sensor{
		Type: "ZHASwitch",
		Fingerprint: Fingerprint{
			Endpoint:   endpoint,
			Profile:    profileHA,
			InClusters: []uint16{clusterBasic, clusterCommissioning},
		},
		Config: SensorConfig{On: true},
	}
	s.ID = id
	s.ExtAddress = ext
	s.Available = true
	updateEtag(&s.Etag)
	c.sensors = append(c.sensors, s)
	return s
}

// testGroup registers a group with a known address.
func testGroup(c *Core, id string, addr uint16) *Group {
	g := &Group{ID: id, Address: addr, Name: "group " + id}
	updateEtag(&g.Etag)
	c.groups = append(c.groups, g)
	return g
}

// joinGroup marks device-confirmed membership.
func joinGroup(l *LightNode, addr uint16) {
	l.Groups = append(l.Groups, GroupInfo{ID: addr, State: GroupStateInGroup})
}
