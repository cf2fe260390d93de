package radio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Host/dongle frame types. The dongle firmware owns the over-the-air
// encoding; this link carries requests down and confirms/indications up.
const (
	frameSOF byte = 0xFE

	frameTypeRequest    byte = 0x01
	frameTypeConfirm    byte = 0x02
	frameTypeIndication byte = 0x03
	frameTypeStatus     byte = 0x04
	frameTypeNodeList   byte = 0x05
	frameTypeBusy       byte = 0x06
	frameTypeZombie     byte = 0x07
)

// SerialRadio talks to a mesh dongle over a serial port.
type SerialRadio struct {
	port   serial.Port
	reader *bufio.Reader
	logger *slog.Logger

	nextID  atomic.Uint32
	writeMu sync.Mutex

	// Submit waits briefly for the dongle's accept/busy/zombie verdict.
	verdictMu sync.Mutex
	verdicts  map[uint8]chan byte

	handlerMu    sync.RWMutex
	onConfirm    func(Confirm)
	onIndication func(Indication)

	formed atomic.Bool

	nodesMu sync.Mutex
	nodes   []NodeInfo

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the dongle port and starts the read loop.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialRadio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", portName, err)
	}

	// USB CDC ACM dongles need DTR/RTS asserted before they talk.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	r := &SerialRadio{
		port:     port,
		reader:   bufio.NewReader(port),
		logger:   logger.With("component", "radio"),
		verdicts: make(map[uint8]chan byte),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.readLoop()

	return r, nil
}

// Submit writes the request frame and returns the assigned correlation id.
// The dongle answers every request frame with an immediate accept, busy or
// zombie verdict; delivery confirms arrive later on the confirm handler.
func (r *SerialRadio) Submit(req *Request) (uint8, error) {
	if !r.formed.Load() {
		return 0, ErrNotJoined
	}

	id := uint8(r.nextID.Add(1))

	verdict := make(chan byte, 1)
	r.verdictMu.Lock()
	r.verdicts[id] = verdict
	r.verdictMu.Unlock()
	defer func() {
		r.verdictMu.Lock()
		delete(r.verdicts, id)
		r.verdictMu.Unlock()
	}()

	if err := r.writeRequest(id, req); err != nil {
		return 0, err
	}

	select {
	case v := <-verdict:
		switch v {
		case frameTypeBusy:
			return 0, ErrBusy
		case frameTypeZombie:
			return 0, ErrZombie
		}
		return id, nil
	case <-time.After(time.Second):
		return 0, ErrBusy
	case <-r.done:
		return 0, io.ErrClosedPipe
	}
}

func (r *SerialRadio) writeRequest(id uint8, req *Request) error {
	body := make([]byte, 0, 20+len(req.Payload))
	body = append(body, id, byte(req.Dst.Mode))
	body = binary.LittleEndian.AppendUint64(body, req.Dst.Ext)
	body = binary.LittleEndian.AppendUint16(body, req.Dst.Group)
	body = append(body, req.DstEndpoint, req.SrcEndpoint)
	body = binary.LittleEndian.AppendUint16(body, req.Profile)
	body = binary.LittleEndian.AppendUint16(body, req.Cluster)
	body = append(body, req.TxOptions, req.Radius, req.Command)
	body = append(body, req.Payload...)
	return r.writeFrame(frameTypeRequest, body)
}

func (r *SerialRadio) writeFrame(typ byte, body []byte) error {
	frame := make([]byte, 0, len(body)+5)
	frame = append(frame, frameSOF, typ)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)
	frame = append(frame, checksum(frame[1:]))

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.port.Write(frame); err != nil {
		return fmt.Errorf("radio: write: %w", err)
	}
	return nil
}

func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// OnConfirm registers the delivery-confirm handler.
func (r *SerialRadio) OnConfirm(handler func(Confirm)) {
	r.handlerMu.Lock()
	r.onConfirm = handler
	r.handlerMu.Unlock()
}

// OnIndication registers the inbound-frame handler.
func (r *SerialRadio) OnIndication(handler func(Indication)) {
	r.handlerMu.Lock()
	r.onIndication = handler
	r.handlerMu.Unlock()
}

// NetworkFormed reports the last network state announced by the dongle.
func (r *SerialRadio) NetworkFormed() bool {
	return r.formed.Load()
}

// Nodes returns the dongle's last announced node list.
func (r *SerialRadio) Nodes() []NodeInfo {
	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()
	out := make([]NodeInfo, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Close stops the read loop and closes the port.
func (r *SerialRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
		r.wg.Wait()
	})
	return err
}

func (r *SerialRadio) readLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		default:
		}

		typ, body, err := r.readFrame()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			r.logger.Warn("read frame", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.dispatch(typ, body)
	}
}

func (r *SerialRadio) readFrame() (byte, []byte, error) {
	// Resync on SOF.
	for {
		b, err := r.reader.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == frameSOF {
			break
		}
	}

	hdr := make([]byte, 3)
	if _, err := io.ReadFull(r.reader, hdr); err != nil {
		return 0, nil, err
	}
	typ := hdr[0]
	length := binary.LittleEndian.Uint16(hdr[1:])
	if length > 256 {
		return 0, nil, fmt.Errorf("oversized frame (%d bytes)", length)
	}

	body := make([]byte, int(length)+1) // body + checksum
	if _, err := io.ReadFull(r.reader, body); err != nil {
		return 0, nil, err
	}

	want := body[len(body)-1]
	body = body[:len(body)-1]
	check := []byte{typ, hdr[1], hdr[2]}
	check = append(check, body...)
	if checksum(check) != want {
		return 0, nil, fmt.Errorf("frame checksum mismatch")
	}
	return typ, body, nil
}

func (r *SerialRadio) dispatch(typ byte, body []byte) {
	switch typ {
	case frameTypeConfirm:
		if len(body) < 2 {
			return
		}
		// First byte may be the submit verdict for a pending request.
		id := body[0]
		r.verdictMu.Lock()
		if ch, ok := r.verdicts[id]; ok {
			select {
			case ch <- frameTypeConfirm:
			default:
			}
		}
		r.verdictMu.Unlock()

		r.handlerMu.RLock()
		h := r.onConfirm
		r.handlerMu.RUnlock()
		if h != nil {
			h(Confirm{ID: id, Status: ConfirmStatus(body[1])})
		}

	case frameTypeBusy, frameTypeZombie:
		if len(body) < 1 {
			return
		}
		r.verdictMu.Lock()
		if ch, ok := r.verdicts[body[0]]; ok {
			select {
			case ch <- typ:
			default:
			}
		}
		r.verdictMu.Unlock()

	case frameTypeIndication:
		ind, err := parseIndication(body)
		if err != nil {
			r.logger.Warn("parse indication", "err", err)
			return
		}
		r.handlerMu.RLock()
		h := r.onIndication
		r.handlerMu.RUnlock()
		if h != nil {
			h(ind)
		}

	case frameTypeStatus:
		if len(body) < 1 {
			return
		}
		formed := body[0] == 0x01
		if r.formed.Swap(formed) != formed {
			r.logger.Info("network state", "formed", formed)
		}

	case frameTypeNodeList:
		nodes, err := parseNodeList(body)
		if err != nil {
			r.logger.Warn("parse node list", "err", err)
			return
		}
		r.nodesMu.Lock()
		r.nodes = nodes
		r.nodesMu.Unlock()

	default:
		r.logger.Debug("unknown frame type", "type", typ)
	}
}

func parseIndication(body []byte) (Indication, error) {
	var ind Indication
	if len(body) < 20 {
		return ind, fmt.Errorf("short indication (%d bytes)", len(body))
	}
	ind.Src.Mode = AddressMode(body[0])
	ind.Src.Ext = binary.LittleEndian.Uint64(body[1:])
	ind.Src.Group = binary.LittleEndian.Uint16(body[9:])
	ind.SrcEndpoint = body[11]
	ind.DstEndpoint = body[12]
	ind.Profile = binary.LittleEndian.Uint16(body[13:])
	ind.Cluster = binary.LittleEndian.Uint16(body[15:])
	ind.Command = body[17]
	ind.Response = body[18] == 0x01
	ind.LQI = body[19]
	if len(body) > 20 {
		ind.RSSI = int8(body[20])
		ind.Payload = append([]byte(nil), body[21:]...)
	}
	return ind, nil
}

func parseNodeList(body []byte) ([]NodeInfo, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("short node list")
	}
	count := int(body[0])
	nodes := make([]NodeInfo, 0, count)
	off := 1
	for i := 0; i < count; i++ {
		if off+10 > len(body) {
			return nil, fmt.Errorf("truncated node list entry %d", i)
		}
		n := NodeInfo{
			ExtAddr: binary.LittleEndian.Uint64(body[off:]),
			Zombie:  body[off+8] == 0x01,
		}
		epCount := int(body[off+9])
		off += 10
		if off+epCount > len(body) {
			return nil, fmt.Errorf("truncated endpoint list for node %d", i)
		}
		n.Endpoints = append(n.Endpoints, body[off:off+epCount]...)
		off += epCount
		nodes = append(nodes, n)
	}
	return nodes, nil
}
