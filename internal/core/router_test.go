package core

import (
	"encoding/binary"
	"testing"
	"time"

	"zigbee-gateway/internal/radio"
)

func indicationFrom(ext uint64, endpoint uint8, cluster uint16) radio.Indication {
	return radio.Indication{
		Src:         radio.Address{Mode: radio.AddressModeExt, Ext: ext},
		SrcEndpoint: endpoint,
		Profile:     profileHA,
		Cluster:     cluster,
	}
}

func TestSwitchCommandEncodesButtonEvent(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)

	ind := indicationFrom(0x3333, 2, clusterOnOff)
	ind.Command = 0x00 // off
	c.handleIndication(ind)

	if s.Value.ButtonEvent != 2000 {
		t.Errorf("button event = %d, want 2000 (endpoint 2, command 0)", s.Value.ButtonEvent)
	}

	ind.SrcEndpoint = 2
	ind.Command = 0x01 // on
	c.handleIndication(ind)
	if s.Value.ButtonEvent != 2001 {
		t.Errorf("button event = %d, want 2001", s.Value.ButtonEvent)
	}
}

func TestSwitchCommandIgnoresResponses(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)

	ind := indicationFrom(0x3333, 2, clusterOnOff)
	ind.Command = 0x01
	ind.Response = true
	c.handleIndication(ind)
	if s.Value.ButtonEvent != 0 {
		t.Error("cluster responses are not button presses")
	}
}

func TestIndicationMarksSourceAvailable(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	l.Available = false
	c.zombies[l.ExtAddress] = true

	c.handleIndication(indicationFrom(0x1111, 1, clusterBasic))
	if !l.Available {
		t.Error("a frame from the device proves it is reachable")
	}
	if c.zombies[l.ExtAddress] {
		t.Error("zombie mark must clear")
	}
}

func TestGroupMembershipResponseReconciles(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	ind := indicationFrom(0x1111, 1, clusterGroups)
	ind.Command = 0x02
	ind.Response = true
	p := []byte{0x05, 0x01} // capacity 5, one group
	p = binary.LittleEndian.AppendUint16(p, 0x00AA)
	ind.Payload = p
	c.handleIndication(ind)

	if l.GroupCapacity != 5 {
		t.Errorf("capacity = %d, want 5", l.GroupCapacity)
	}
	if l.groupInfo(0x00AA) == nil {
		t.Error("reported membership must be tracked")
	}
}

func TestStoreSceneResponseCapturesState(t *testing.T) {
	c, _ := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	g.Scenes = append(g.Scenes, &Scene{ID: 4, Name: "s"})
	l.On = true
	l.Level = 77

	ind := indicationFrom(0x1111, 1, clusterScenes)
	ind.Command = 0x04
	ind.Response = true
	p := []byte{0x00} // success
	p = binary.LittleEndian.AppendUint16(p, g.Address)
	p = append(p, 4)
	ind.Payload = p
	c.handleIndication(ind)

	ls := g.Scenes[0].lightState("1")
	if ls == nil || !ls.On || ls.Bri != 77 {
		t.Errorf("captured state = %+v, want on/77", ls)
	}
}

func TestCommissioningResponseAdoptsSwitchGroups(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)
	s.Name = "lounge switch"

	ind := indicationFrom(0x3333, 2, clusterCommissioning)
	ind.Command = 0x41
	ind.Response = true
	p := []byte{0x01, 0x00, 0x01} // total 1, start 0, count 1
	p = binary.LittleEndian.AppendUint16(p, 0xFF01)
	p = append(p, 0x00) // group type
	ind.Payload = p
	c.handleIndication(ind)

	g := c.groupByAddress(0xFF01)
	if g == nil {
		t.Fatal("the switch's group must be adopted")
	}
	if g.Name != "lounge switch" {
		t.Errorf("group name = %q, want the switch name", g.Name)
	}
	if len(g.DeviceMemberships) != 1 || g.DeviceMemberships[0] != "3" {
		t.Errorf("device memberships = %v, want [3]", g.DeviceMemberships)
	}

	// a second response must not duplicate the membership
	c.handleIndication(ind)
	if len(g.DeviceMemberships) != 1 {
		t.Errorf("device memberships = %v after repeat, want one entry", g.DeviceMemberships)
	}
}

func TestReadResponseAppliesLightState(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	ind := indicationFrom(0x1111, 1, clusterOnOff)
	ind.Command = zclCmdReadAttributesRsp
	ind.Response = true
	ind.Payload = []byte{0x00, 0x00, 0x00, 0x10, 0x01} // attr 0, success, bool, on
	c.handleIndication(ind)
	if !l.On {
		t.Error("read response must update the cached on state")
	}
}

func TestReadResponseSkipsFailedRecords(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	l.Level = 10

	ind := indicationFrom(0x1111, 1, clusterLevel)
	ind.Command = zclCmdReadAttributesRsp
	ind.Response = true
	ind.Payload = []byte{0x00, 0x00, 0x86} // attr 0, unsupported attribute
	c.handleIndication(ind)
	if l.Level != 10 {
		t.Error("failed record must not change state")
	}
}

func TestReadResponseAppliesModelString(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	l.ModelID = ""

	ind := indicationFrom(0x1111, 1, clusterBasic)
	ind.Command = zclCmdReadAttributesRsp
	ind.Response = true
	p := []byte{0x05, 0x00, 0x00, 0x42, 0x06} // model id, success, string, len 6
	p = append(p, []byte("LCT001")...)
	ind.Payload = p
	c.handleIndication(ind)
	if l.ModelID != "LCT001" {
		t.Errorf("model = %q, want LCT001", l.ModelID)
	}
}

func TestReportAppliesIlluminance(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)

	ind := indicationFrom(0x3333, 2, clusterIlluminance)
	ind.Command = zclCmdReportAttributes
	p := []byte{0x00, 0x00, 0x21} // attr 0, uint16
	p = binary.LittleEndian.AppendUint16(p, 12345)
	ind.Payload = p
	c.handleIndication(ind)

	if s.Value.Lux != 12345 {
		t.Errorf("lux = %d, want 12345", s.Value.Lux)
	}
	if s.Value.LuxTime.IsZero() {
		t.Error("lux timestamp must be recorded")
	}
}

func TestReportAppliesPresence(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)

	ind := indicationFrom(0x3333, 2, clusterOccupancy)
	ind.Command = zclCmdReportAttributes
	ind.Payload = []byte{0x00, 0x00, 0x18, 0x01} // attr 0, map8, occupied
	c.handleIndication(ind)
	if !s.Value.Presence {
		t.Error("occupancy bit must set presence")
	}
}

func TestOccupancyDelayReadSkippedWhileWritePending(t *testing.T) {
	c, _ := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)
	s.Config.Duration = 60
	s.enableRead(writeOccupancyConfig)

	ind := indicationFrom(0x3333, 2, clusterOccupancy)
	ind.Command = zclCmdReadAttributesRsp
	ind.Response = true
	p := []byte{0x10, 0x00, 0x00, 0x21} // attr 0x0010, success, uint16
	p = binary.LittleEndian.AppendUint16(p, 0)
	ind.Payload = p
	c.handleIndication(ind)
	if s.Config.Duration != 60 {
		t.Error("a stale device value must not clobber a pending write")
	}
}

func TestDeviceAnnounceReArmsReads(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	c.zombies[l.ExtAddress] = true

	ind := radio.Indication{
		Src:     radio.Address{Mode: radio.AddressModeExt, Ext: 0x1111},
		Profile: profileZDP,
		Cluster: zdpDeviceAnnce,
	}
	p := []byte{0x01}                            // seq
	p = binary.LittleEndian.AppendUint16(p, 0)   // nwk address
	p = binary.LittleEndian.AppendUint64(p, 0x1111)
	p = append(p, 0x8E) // capability
	ind.Payload = p
	c.handleIndication(ind)

	if c.zombies[l.ExtAddress] {
		t.Error("announce must clear the zombie mark")
	}
	if !l.mustRead(readOnOff | readLevel | readColor | readGroups) {
		t.Error("announce must re-arm state reads")
	}
	if !l.nextReadTime.After(time.Now()) {
		t.Error("reads wait for the announce window delay")
	}
}

func TestDecodeAttributeValueTypes(t *testing.T) {
	cases := []struct {
		name     string
		dataType uint8
		payload  []byte
		num      uint64
		str      string
		rest     int
	}{
		{"bool", 0x10, []byte{0x01, 0xFF}, 1, "", 1},
		{"uint16", 0x21, []byte{0x34, 0x12}, 0x1234, "", 0},
		{"uint32", 0x23, []byte{0x01, 0x02, 0x03, 0x04, 0xAA}, 0x04030201, "", 1},
		{"string", 0x42, append([]byte{0x02}, []byte("ab")...), 0, "ab", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, rest, ok := decodeAttributeValue(tc.dataType, tc.payload)
			if !ok {
				t.Fatal("decode failed")
			}
			if v.num != tc.num || v.str != tc.str {
				t.Errorf("value = %d/%q, want %d/%q", v.num, v.str, tc.num, tc.str)
			}
			if len(rest) != tc.rest {
				t.Errorf("rest = %d bytes, want %d", len(rest), tc.rest)
			}
		})
	}

	if _, _, ok := decodeAttributeValue(0x99, []byte{0x01}); ok {
		t.Error("unknown data type must fail")
	}
	if _, _, ok := decodeAttributeValue(0x21, []byte{0x01}); ok {
		t.Error("truncated payload must fail")
	}
}
