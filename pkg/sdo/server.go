package sdo

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cia301/conode/internal/crc"
	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

// DefaultTimeoutMs is the per-transfer timeout armed after every request
// and response frame when Config.TimeoutMs is left at zero.
const DefaultTimeoutMs = 1000

type serverState uint8

const (
	srvIdle serverState = iota
	srvDownloadSegment
	srvUploadSegment
	srvDownloadBlockSub
	srvDownloadBlockEnd
	srvUploadBlockWaitStart
	srvUploadBlockSub
)

// Sender is the frame-emitting collaborator the server needs.
type Sender interface {
	Send(can.Frame) error
}

// Config carries one server channel's build-time parameters: which
// communication object (0x1200 + k) supplies its COB-IDs, and the
// per-transfer timeout.
type Config struct {
	ChannelIndex uint16
	TimeoutMs    uint32
}

// Server is one SDO server channel. It is driven entirely by Handle; the
// only scheduled behavior is the per-transfer timeout, armed on the timer
// wheel exactly like pkg/nmt's heartbeat producer. There is no internal
// goroutine, channel or mutex.
type Server struct {
	logger *slog.Logger
	send   Sender
	dict   *od.Dictionary
	timers *timer.Wheel

	rxID, txID uint32
	timeoutMs  uint32

	timeoutHandle timer.Handle
	timeoutArmed  bool

	state    serverState
	entry    *od.Entry
	index    uint16
	subindex uint8

	toggle byte
	total  uint32
	offset uint32

	blkCRCEnabled bool
	blkCRC        crc.CRC16
	blkSize       uint8
	blkSeq        uint8
	blkSubStart   uint32
	blkDone       bool
	blkLastValid  uint8
	blkPending    [segmentSize]byte
	blkHaveLast   bool
}

// New builds a server channel from the COB-IDs configured at
// cfg.ChannelIndex:1 (client->server, this server's rxID) and :2
// (server->client, this server's txID).
func New(dict *od.Dictionary, timers *timer.Wheel, sender Sender, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rx, err := dict.ReadU32(cfg.ChannelIndex, 1)
	if err != nil {
		return nil, err
	}
	tx, err := dict.ReadU32(cfg.ChannelIndex, 2)
	if err != nil {
		return nil, err
	}
	timeoutMs := cfg.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = DefaultTimeoutMs
	}
	s := &Server{
		logger:    logger.With("service", "SDO-S", "channel", fmt.Sprintf("0x%X", cfg.ChannelIndex)),
		send:      sender,
		dict:      dict,
		timers:    timers,
		rxID:      rx & 0x7FF,
		txID:      tx & 0x7FF,
		timeoutMs: timeoutMs,
	}
	return s, nil
}

// RxID is this channel's client->server COB-ID, used by the node
// orchestrator to route an incoming frame to the right server.
func (s *Server) RxID() uint32 { return s.rxID }

// Handle processes one received CAN frame already matched to this
// server's rxID by the node orchestrator.
func (s *Server) Handle(frame can.Frame) {
	if frame.ID != s.rxID || frame.DLC != 8 {
		return
	}
	data := frame.Data
	if data[0] == 0x80 {
		s.reset()
		return
	}
	if err := s.dispatch(data); err != nil {
		s.abort(data, err)
		return
	}
	s.armTimeout()
}

func (s *Server) dispatch(data [8]byte) error {
	switch s.state {
	case srvIdle:
		switch data[0] >> 5 {
		case 1:
			return s.rxDownloadInitiate(data)
		case 2:
			return s.rxUploadInitiate(data)
		case 5:
			return s.rxUploadBlockInitiate(data)
		case 6:
			return s.rxDownloadBlockInitiate(data)
		default:
			return AbortCmd
		}
	case srvDownloadSegment:
		return s.rxDownloadSegment(data)
	case srvUploadSegment:
		return s.rxUploadSegment(data)
	case srvDownloadBlockSub:
		return s.rxDownloadBlockSub(data)
	case srvDownloadBlockEnd:
		return s.rxDownloadBlockEnd(data)
	case srvUploadBlockWaitStart:
		return s.rxUploadBlockStart(data)
	case srvUploadBlockSub:
		return s.rxUploadBlockAck(data)
	default:
		return AbortCmd
	}
}

// --- expedited / segmented download ---

func (s *Server) rxDownloadInitiate(data [8]byte) error {
	index := binary.LittleEndian.Uint16(data[1:3])
	sub := data[3]
	entry, ok := s.dict.Find(index, sub)
	if !ok {
		return odAbort(od.ErrNotFound)
	}
	s.entry, s.index, s.subindex = entry, index, sub
	s.offset, s.total = 0, 0

	expedited := data[0]&0x02 != 0
	sizeIndicated := data[0]&0x01 != 0

	if expedited {
		n := 0
		if sizeIndicated {
			n = int((data[0] >> 2) & 0x03)
		}
		width := 4 - n
		if err := s.dict.WriteValue(entry, data[4:4+width], width); err != nil {
			return odAbort(err)
		}
		s.sendCmd(0x60, index, sub)
		s.state = srvIdle
		return nil
	}

	if sizeIndicated {
		s.total = binary.LittleEndian.Uint32(data[4:8])
	}
	if err := s.dict.WriteBufferStart(entry, nil, s.total); err != nil {
		return odAbort(err)
	}
	s.toggle = 0
	s.state = srvDownloadSegment
	s.sendCmd(0x60, index, sub)
	return nil
}

func (s *Server) rxDownloadSegment(data [8]byte) error {
	if data[0]&0xE0 != 0x00 {
		return AbortCmd
	}
	if data[0]&0x10 != s.toggle {
		return AbortToggleBit
	}
	last := data[0]&0x01 != 0
	n := segmentSize - int((data[0]>>1)&0x07)
	if err := s.dict.WriteBufferContinue(s.entry, data[1:1+n], s.offset); err != nil {
		return odAbort(err)
	}
	s.offset += uint32(n)
	if s.total > 0 && s.offset > s.total {
		return AbortDataLong
	}

	var resp [8]byte
	resp[0] = s.toggle | 0x20
	s.sendFrame(resp)
	s.toggle ^= 0x10
	if last {
		if s.total > 0 && s.offset < s.total {
			return AbortDataShort
		}
		s.state = srvIdle
	} else {
		s.state = srvDownloadSegment
	}
	return nil
}

// --- expedited / segmented upload ---

func (s *Server) rxUploadInitiate(data [8]byte) error {
	index := binary.LittleEndian.Uint16(data[1:3])
	sub := data[3]
	entry, ok := s.dict.Find(index, sub)
	if !ok {
		return odAbort(od.ErrNotFound)
	}
	var buf [4]byte
	_, total, err := s.dict.ReadBufferStart(entry, buf[:])
	if err != nil {
		return odAbort(err)
	}
	s.entry, s.index, s.subindex = entry, index, sub
	s.offset, s.total = 0, total

	var resp [8]byte
	if total <= 4 {
		unused := 4 - total
		resp[0] = 0x43 | byte(unused<<2)
		binary.LittleEndian.PutUint16(resp[1:3], index)
		resp[3] = sub
		copy(resp[4:4+total], buf[:total])
		s.sendFrame(resp)
		s.state = srvIdle
		return nil
	}

	resp[0] = 0x41
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = sub
	binary.LittleEndian.PutUint32(resp[4:8], total)
	s.sendFrame(resp)
	s.toggle = 0
	s.state = srvUploadSegment
	return nil
}

func (s *Server) rxUploadSegment(data [8]byte) error {
	if data[0]&0xEF != 0x60 {
		return AbortCmd
	}
	if data[0]&0x10 != s.toggle {
		return AbortToggleBit
	}
	var buf [segmentSize]byte
	n, err := s.dict.ReadBufferContinue(s.entry, buf[:], s.offset)
	if err != nil {
		return odAbort(err)
	}
	s.offset += uint32(n)
	last := s.offset >= s.total

	var resp [8]byte
	resp[0] = s.toggle
	if last {
		resp[0] |= byte(segmentSize-n)<<1 | 0x01
	}
	copy(resp[1:1+n], buf[:n])
	s.sendFrame(resp)
	s.toggle ^= 0x10
	if last {
		s.state = srvIdle
	} else {
		s.state = srvUploadSegment
	}
	return nil
}

// --- block download ---

func (s *Server) rxDownloadBlockInitiate(data [8]byte) error {
	index := binary.LittleEndian.Uint16(data[1:3])
	sub := data[3]
	entry, ok := s.dict.Find(index, sub)
	if !ok {
		return odAbort(od.ErrNotFound)
	}
	sizeIndicated := data[0]&0x02 != 0
	var total uint32
	if sizeIndicated {
		total = binary.LittleEndian.Uint32(data[4:8])
	}
	if err := s.dict.WriteBufferStart(entry, nil, total); err != nil {
		return odAbort(err)
	}
	s.entry, s.index, s.subindex = entry, index, sub
	s.total, s.offset = total, 0
	s.blkCRCEnabled = data[0]&0x04 != 0
	s.blkCRC = 0
	s.blkSeq = 0
	s.blkHaveLast = false
	s.blkSize = maxBlockSize

	var resp [8]byte
	resp[0] = 0xA4
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = sub
	resp[4] = s.blkSize
	s.sendFrame(resp)
	s.state = srvDownloadBlockSub
	return nil
}

func (s *Server) rxDownloadBlockSub(data [8]byte) error {
	seq := data[0] & 0x7F
	last := data[0]&0x80 != 0
	if seq != s.blkSeq+1 {
		return nil // duplicate/out-of-order segment, resolved at the sub-block ack
	}
	s.blkSeq = seq
	if last {
		copy(s.blkPending[:], data[1:8])
		s.blkHaveLast = true
	} else {
		if err := s.dict.WriteBufferContinue(s.entry, data[1:8], s.offset); err != nil {
			return odAbort(err)
		}
		if s.blkCRCEnabled {
			s.blkCRC.Block(data[1:8])
		}
		s.offset += segmentSize
	}
	if last || seq == s.blkSize {
		var resp [8]byte
		resp[0] = 0xA2
		resp[1] = s.blkSeq
		resp[2] = s.blkSize
		s.sendFrame(resp)
		s.blkSeq = 0
		if last {
			s.state = srvDownloadBlockEnd
		} else {
			s.state = srvDownloadBlockSub
		}
	}
	return nil
}

func (s *Server) rxDownloadBlockEnd(data [8]byte) error {
	if data[0]&0xE3 != 0xC1 {
		return AbortCmd
	}
	if !s.blkHaveLast {
		return AbortCmd
	}
	noData := (data[0] >> 2) & 0x07
	validLen := segmentSize - int(noData)
	if validLen < 0 || validLen > segmentSize {
		return AbortCmd
	}
	if err := s.dict.WriteBufferContinue(s.entry, s.blkPending[:validLen], s.offset); err != nil {
		return odAbort(err)
	}
	s.offset += uint32(validLen)
	if s.blkCRCEnabled {
		s.blkCRC.Block(s.blkPending[:validLen])
		clientCRC := crc.CRC16(binary.LittleEndian.Uint16(data[1:3]))
		if s.blkCRC != clientCRC {
			return AbortCRC
		}
	}
	if s.total > 0 && s.offset != s.total {
		return AbortDataShort
	}
	var resp [8]byte
	resp[0] = 0xA1
	s.sendFrame(resp)
	s.state = srvIdle
	return nil
}

// --- block upload ---

func (s *Server) rxUploadBlockInitiate(data [8]byte) error {
	index := binary.LittleEndian.Uint16(data[1:3])
	sub := data[3]
	entry, ok := s.dict.Find(index, sub)
	if !ok {
		return odAbort(od.ErrNotFound)
	}
	var discard [4]byte
	_, total, err := s.dict.ReadBufferStart(entry, discard[:])
	if err != nil {
		return odAbort(err)
	}
	s.entry, s.index, s.subindex = entry, index, sub
	s.total, s.offset = total, 0
	s.blkCRCEnabled = data[0]&0x04 != 0
	s.blkCRC = 0
	s.blkSize = data[5]
	if s.blkSize < 1 || s.blkSize > maxBlockSize {
		s.blkSize = maxBlockSize
	}

	var resp [8]byte
	resp[0] = 0xC4
	if total > 0 {
		resp[0] |= 0x02
		binary.LittleEndian.PutUint32(resp[4:8], total)
	}
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = sub
	s.sendFrame(resp)
	s.state = srvUploadBlockWaitStart
	return nil
}

func (s *Server) rxUploadBlockStart(data [8]byte) error {
	if data[0] != 0xA3 {
		return AbortCmd
	}
	return s.sendUploadSubBlock()
}

func (s *Server) sendUploadSubBlock() error {
	s.blkSubStart = s.offset
	s.blkSeq = 0
	s.blkDone = false
	for s.blkSeq < s.blkSize {
		var seg [segmentSize]byte
		n, err := s.dict.ReadBufferContinue(s.entry, seg[:], s.offset)
		if err != nil {
			return odAbort(err)
		}
		if s.blkCRCEnabled {
			s.blkCRC.Block(seg[:n])
		}
		s.offset += uint32(n)
		s.blkSeq++
		final := n < segmentSize || (s.total > 0 && s.offset >= s.total)

		var resp [8]byte
		resp[0] = s.blkSeq
		if final {
			resp[0] |= 0x80
		}
		copy(resp[1:1+n], seg[:n])
		s.sendFrame(resp)
		if final {
			s.blkDone = true
			s.blkLastValid = uint8(n)
			break
		}
	}
	s.state = srvUploadBlockSub
	return nil
}

func (s *Server) rxUploadBlockAck(data [8]byte) error {
	if data[0] != 0xA2 {
		return AbortCmd
	}
	ack := data[1]
	newSize := data[2]
	if newSize < 1 || newSize > maxBlockSize {
		return AbortBlockSize
	}
	if ack > s.blkSeq {
		return AbortCmd
	}
	s.blkSize = newSize
	if ack < s.blkSeq {
		s.offset = s.blkSubStart + uint32(ack)*segmentSize
		return s.sendUploadSubBlock()
	}
	if s.blkDone {
		var resp [8]byte
		noData := segmentSize - int(s.blkLastValid)
		resp[0] = 0xC1 | byte(noData<<2)
		binary.LittleEndian.PutUint16(resp[1:3], uint16(s.blkCRC))
		s.sendFrame(resp)
		s.state = srvIdle
		return nil
	}
	return s.sendUploadSubBlock()
}

// --- shared plumbing ---

func (s *Server) sendCmd(cmd byte, index uint16, sub uint8) {
	var resp [8]byte
	resp[0] = cmd
	binary.LittleEndian.PutUint16(resp[1:3], index)
	resp[3] = sub
	s.sendFrame(resp)
}

func (s *Server) sendFrame(data [8]byte) {
	if err := s.send.Send(can.NewFrame(s.txID, data[:])); err != nil {
		s.logger.Warn("sdo server send failed", "error", err)
	}
}

func (s *Server) abort(req [8]byte, cause error) {
	code := asAbort(cause)
	var resp [8]byte
	resp[0] = 0x80
	resp[1], resp[2], resp[3] = req[1], req[2], req[3]
	binary.LittleEndian.PutUint32(resp[4:8], uint32(code))
	s.sendFrame(resp)
	s.logger.Warn("sdo server abort", "index", fmt.Sprintf("0x%X", binary.LittleEndian.Uint16(req[1:3])), "subindex", req[3], "code", code)
	s.reset()
}

func (s *Server) reset() {
	s.state = srvIdle
	s.entry = nil
	s.disarmTimeout()
}

func (s *Server) armTimeout() {
	s.disarmTimeout()
	if s.state == srvIdle {
		return
	}
	h, err := s.timers.Create(s.timeoutMs, 0, s.onTimeout, nil)
	if err != nil {
		s.logger.Error("sdo server timeout arm failed", "error", err)
		return
	}
	s.timeoutHandle = h
	s.timeoutArmed = true
}

func (s *Server) disarmTimeout() {
	if s.timeoutArmed {
		_ = s.timers.Delete(s.timeoutHandle)
		s.timeoutArmed = false
	}
}

func (s *Server) onTimeout(any) {
	s.timeoutArmed = false
	var resp [8]byte
	resp[0] = 0x80
	binary.LittleEndian.PutUint16(resp[1:3], s.index)
	resp[3] = s.subindex
	binary.LittleEndian.PutUint32(resp[4:8], uint32(AbortTimeout))
	s.sendFrame(resp)
	s.logger.Warn("sdo server timeout", "index", fmt.Sprintf("0x%X", s.index), "subindex", s.subindex)
	s.state = srvIdle
	s.entry = nil
}
