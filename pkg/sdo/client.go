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

type clientState uint8

const (
	cliIdle clientState = iota
	cliDownloadInitiate
	cliDownloadSegment
	cliUploadInitiate
	cliUploadSegment
	cliDownloadBlockInitiate
	cliDownloadBlockAck
	cliDownloadBlockEnd
	cliUploadBlockInitiate
	cliUploadBlockSub
	cliUploadBlockEnd
)

// Callback is invoked exactly once when a client-initiated request
// finishes, whether by completion, abort or timeout. abortCode is zero on
// success. n is the number of bytes transferred (download: bytes written
// to the server, upload: bytes written into the destination buffer).
type Callback func(abortCode uint32, n int, err error)

// ClientConfig carries one client channel's build-time parameters: which
// communication object (0x1280 + k) supplies its COB-IDs, and the
// default per-transfer timeout (overridable per request).
type ClientConfig struct {
	ChannelIndex uint16
	TimeoutMs    uint32
}

// Client is one SDO client channel, initiating master-role uploads and
// downloads against a single configured server. Driven by Handle; armed
// timeouts ride the shared timer wheel. No goroutine, channel or mutex.
type Client struct {
	logger *slog.Logger
	send   Sender
	timers *timer.Wheel

	rxID, txID       uint32
	defaultTimeoutMs uint32
	timeoutMs        uint32

	timeoutHandle timer.Handle
	timeoutArmed  bool

	state    clientState
	index    uint16
	subindex uint8
	toggle   byte

	buf      []byte
	total    uint32
	offset   uint32
	n        int
	finished bool
	cb       Callback

	blkCRCEnabled bool
	blkCRC        crc.CRC16
	blkSize       uint8
	blkSeq        uint8
	blkSubStart   uint32
	blkDone       bool
	blkHaveLast   bool
	blkLastValid  uint8
	blkPending    [segmentSize]byte
}

// NewClient builds a client channel from the COB-IDs configured at
// cfg.ChannelIndex:1 (client->server, this client's txID) and :2
// (server->client, this client's rxID).
func NewClient(dict *od.Dictionary, timers *timer.Wheel, sender Sender, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tx, err := dict.ReadU32(cfg.ChannelIndex, 1)
	if err != nil {
		return nil, err
	}
	rx, err := dict.ReadU32(cfg.ChannelIndex, 2)
	if err != nil {
		return nil, err
	}
	timeoutMs := cfg.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = DefaultTimeoutMs
	}
	c := &Client{
		logger:           logger.With("service", "SDO-C", "channel", fmt.Sprintf("0x%X", cfg.ChannelIndex)),
		send:             sender,
		timers:           timers,
		txID:             tx & 0x7FF,
		rxID:             rx & 0x7FF,
		defaultTimeoutMs: timeoutMs,
	}
	return c, nil
}

// Busy reports whether a transfer is already in progress.
func (c *Client) Busy() bool { return c.state != cliIdle }

func (c *Client) beginRequest(index uint16, sub uint8, timeoutMs uint32, cb Callback) {
	c.index, c.subindex = index, sub
	c.cb = cb
	c.n = 0
	c.toggle = 0
	c.finished = false
	c.blkDone = false
	c.blkHaveLast = false
	c.timeoutMs = c.defaultTimeoutMs
	if timeoutMs > 0 {
		c.timeoutMs = timeoutMs
	}
}

// RequestUpload reads (index, sub) from the server into dst (expedited or
// segmented, chosen by the server's response). cb fires once on
// completion, abort or timeout.
func (c *Client) RequestUpload(index uint16, sub uint8, dst []byte, timeoutMs uint32, cb Callback) error {
	if c.Busy() {
		return ErrBusy
	}
	c.beginRequest(index, sub, timeoutMs, cb)
	c.buf = dst
	c.sendCmd(0x40, index, sub)
	c.state = cliUploadInitiate
	c.armTimeout()
	return nil
}

// RequestDownload writes src to (index, sub) on the server, expedited if
// it fits in 4 bytes, segmented otherwise. cb fires once on completion,
// abort or timeout.
func (c *Client) RequestDownload(index uint16, sub uint8, src []byte, timeoutMs uint32, cb Callback) error {
	if c.Busy() {
		return ErrBusy
	}
	c.beginRequest(index, sub, timeoutMs, cb)
	c.buf = src
	c.total = uint32(len(src))
	c.offset = 0

	var req [8]byte
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = sub
	if len(src) <= 4 {
		unused := 4 - len(src)
		req[0] = 0x23 | byte(unused<<2)
		copy(req[4:4+len(src)], src)
		c.finished = true
	} else {
		req[0] = 0x21
		binary.LittleEndian.PutUint32(req[4:8], c.total)
	}
	c.sendFrame(req)
	c.state = cliDownloadInitiate
	c.armTimeout()
	return nil
}

// RequestUploadBlock mirrors RequestUpload using the block transfer
// protocol, with CRC protection if crcEnabled.
func (c *Client) RequestUploadBlock(index uint16, sub uint8, dst []byte, crcEnabled bool, timeoutMs uint32, cb Callback) error {
	if c.Busy() {
		return ErrBusy
	}
	c.beginRequest(index, sub, timeoutMs, cb)
	c.buf = dst
	c.blkCRCEnabled = crcEnabled
	c.blkCRC = 0
	c.offset = 0

	var req [8]byte
	req[0] = 0xA0
	if crcEnabled {
		req[0] |= 0x04
	}
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = sub
	req[5] = maxBlockSize
	c.sendFrame(req)
	c.state = cliUploadBlockInitiate
	c.armTimeout()
	return nil
}

// RequestDownloadBlock mirrors RequestDownload using the block transfer
// protocol, with CRC protection if crcEnabled.
func (c *Client) RequestDownloadBlock(index uint16, sub uint8, src []byte, crcEnabled bool, timeoutMs uint32, cb Callback) error {
	if c.Busy() {
		return ErrBusy
	}
	c.beginRequest(index, sub, timeoutMs, cb)
	c.buf = src
	c.total = uint32(len(src))
	c.offset = 0
	c.blkCRCEnabled = crcEnabled
	c.blkCRC = 0

	var req [8]byte
	req[0] = 0xC0 | 0x02
	if crcEnabled {
		req[0] |= 0x04
	}
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = sub
	binary.LittleEndian.PutUint32(req[4:8], c.total)
	c.sendFrame(req)
	c.state = cliDownloadBlockInitiate
	c.armTimeout()
	return nil
}

// RxID is this channel's server->client COB-ID, used by the node
// orchestrator to route an incoming frame to the right client.
func (c *Client) RxID() uint32 { return c.rxID }

// Handle processes one received CAN frame already matched to this
// client's rxID by the node orchestrator.
func (c *Client) Handle(frame can.Frame) {
	if frame.ID != c.rxID || frame.DLC != 8 || c.state == cliIdle {
		return
	}
	data := frame.Data
	if data[0] == 0x80 {
		code := binary.LittleEndian.Uint32(data[4:8])
		c.finish(code, Abort(code))
		return
	}
	if err := c.dispatch(data); err != nil {
		c.abort(err)
		return
	}
	if c.state == cliIdle {
		c.finish(0, nil)
		return
	}
	c.armTimeout()
}

func (c *Client) dispatch(data [8]byte) error {
	switch c.state {
	case cliDownloadInitiate:
		if data[0] != 0x60 {
			return AbortCmd
		}
		if c.finished {
			c.n = int(c.total)
			c.state = cliIdle
			return nil
		}
		return c.sendDownloadSegment()
	case cliDownloadSegment:
		if data[0]&0xEF != 0x20 {
			return AbortCmd
		}
		if data[0]&0x10 != c.toggle {
			return AbortToggleBit
		}
		if c.finished {
			c.n = int(c.offset)
			c.state = cliIdle
			return nil
		}
		c.toggle ^= 0x10
		return c.sendDownloadSegment()
	case cliUploadInitiate:
		return c.rxUploadInitiate(data)
	case cliUploadSegment:
		return c.rxUploadSegment(data)
	case cliDownloadBlockInitiate:
		return c.rxDownloadBlockInitiate(data)
	case cliDownloadBlockAck:
		return c.rxDownloadBlockAck(data)
	case cliDownloadBlockEnd:
		if data[0] != 0xA1 {
			return AbortCmd
		}
		c.n = int(c.offset)
		c.state = cliIdle
		return nil
	case cliUploadBlockInitiate:
		return c.rxUploadBlockInitiate(data)
	case cliUploadBlockSub:
		return c.rxUploadBlockSegment(data)
	case cliUploadBlockEnd:
		return c.rxUploadBlockEnd(data)
	default:
		return AbortCmd
	}
}

// --- download (expedited / segmented) ---

func (c *Client) sendDownloadSegment() error {
	remain := c.buf[c.offset:]
	n := segmentSize
	last := len(remain) <= segmentSize
	if last {
		n = len(remain)
	}
	var req [8]byte
	req[0] = c.toggle
	if last {
		req[0] |= byte(segmentSize-n)<<1 | 0x01
	}
	copy(req[1:1+n], remain[:n])
	c.sendFrame(req)
	c.offset += uint32(n)
	c.finished = last
	c.state = cliDownloadSegment
	return nil
}

// --- upload (expedited / segmented) ---

func (c *Client) rxUploadInitiate(data [8]byte) error {
	if data[0]&0xF0 != 0x40 {
		return AbortCmd
	}
	expedited := data[0]&0x02 != 0
	sizeIndicated := data[0]&0x01 != 0
	if expedited {
		n := 0
		if sizeIndicated {
			n = int((data[0] >> 2) & 0x03)
		}
		width := 4 - n
		if width > len(c.buf) {
			return AbortDataLong
		}
		copy(c.buf, data[4:4+width])
		c.n = width
		c.state = cliIdle
		return nil
	}
	if sizeIndicated {
		c.total = binary.LittleEndian.Uint32(data[4:8])
		if int(c.total) > len(c.buf) {
			return AbortDataLong
		}
	}
	c.offset, c.toggle = 0, 0
	c.state = cliUploadSegment
	c.sendCmd(0x60, 0, 0)
	return nil
}

func (c *Client) rxUploadSegment(data [8]byte) error {
	if data[0]&0xE0 != 0x00 {
		return AbortCmd
	}
	if data[0]&0x10 != c.toggle {
		return AbortToggleBit
	}
	last := data[0]&0x01 != 0
	n := segmentSize - int((data[0]>>1)&0x07)
	if int(c.offset)+n > len(c.buf) {
		return AbortDataLong
	}
	copy(c.buf[c.offset:], data[1:1+n])
	c.offset += uint32(n)
	c.n = int(c.offset)
	if last {
		c.state = cliIdle
		return nil
	}
	c.toggle ^= 0x10
	c.state = cliUploadSegment
	c.sendCmd(0x60|c.toggle, 0, 0)
	return nil
}

// --- block download (client writes) ---

func (c *Client) rxDownloadBlockInitiate(data [8]byte) error {
	if data[0]&0xFB != 0xA0 {
		return AbortCmd
	}
	c.blkCRCEnabled = c.blkCRCEnabled && data[0]&0x04 != 0
	c.blkSize = data[4]
	if c.blkSize < 1 || c.blkSize > maxBlockSize {
		c.blkSize = maxBlockSize
	}
	c.state = cliDownloadBlockAck
	return c.sendDownloadSubBlock()
}

func (c *Client) sendDownloadSubBlock() error {
	c.blkSubStart = c.offset
	c.blkSeq = 0
	c.blkDone = false
	for c.blkSeq < c.blkSize {
		remain := c.buf[c.offset:]
		n := segmentSize
		last := len(remain) <= segmentSize
		if last {
			n = len(remain)
		}
		var req [8]byte
		c.blkSeq++
		req[0] = c.blkSeq
		if last {
			req[0] |= 0x80
		}
		copy(req[1:1+n], remain[:n])
		if c.blkCRCEnabled {
			c.blkCRC.Block(remain[:n])
		}
		c.sendFrame(req)
		c.offset += uint32(n)
		if last {
			c.blkDone = true
			c.blkLastValid = uint8(n)
			break
		}
	}
	c.state = cliDownloadBlockAck
	return nil
}

func (c *Client) rxDownloadBlockAck(data [8]byte) error {
	if data[0] != 0xA2 {
		return AbortCmd
	}
	ack := data[1]
	newSize := data[2]
	if newSize < 1 || newSize > maxBlockSize {
		return AbortBlockSize
	}
	if ack > c.blkSeq {
		return AbortCmd
	}
	c.blkSize = newSize
	if ack < c.blkSeq {
		c.offset = c.blkSubStart + uint32(ack)*segmentSize
		return c.sendDownloadSubBlock()
	}
	if c.blkDone {
		var req [8]byte
		noData := segmentSize - int(c.blkLastValid)
		req[0] = 0xC1 | byte(noData<<2)
		binary.LittleEndian.PutUint16(req[1:3], uint16(c.blkCRC))
		c.sendFrame(req)
		c.state = cliDownloadBlockEnd
		return nil
	}
	return c.sendDownloadSubBlock()
}

// --- block upload (client reads) ---

func (c *Client) rxUploadBlockInitiate(data [8]byte) error {
	if data[0]&0xF9 != 0xC0 {
		return AbortCmd
	}
	if data[0]&0x02 != 0 {
		c.total = binary.LittleEndian.Uint32(data[4:8])
		if int(c.total) > len(c.buf) {
			return AbortDataLong
		}
	}
	var req [8]byte
	req[0] = 0xA3
	c.sendFrame(req)
	c.blkSeq = 0
	c.state = cliUploadBlockSub
	return nil
}

func (c *Client) rxUploadBlockSegment(data [8]byte) error {
	seq := data[0] & 0x7F
	last := data[0]&0x80 != 0
	if seq != c.blkSeq+1 {
		return nil
	}
	c.blkSeq = seq
	if last {
		copy(c.blkPending[:], data[1:8])
		c.blkHaveLast = true
	} else {
		n := segmentSize
		if int(c.offset)+n > len(c.buf) {
			return AbortDataLong
		}
		copy(c.buf[c.offset:], data[1:1+n])
		if c.blkCRCEnabled {
			c.blkCRC.Block(data[1 : 1+n])
		}
		c.offset += uint32(n)
	}
	if last || seq == c.blkSize {
		var req [8]byte
		req[0] = 0xA2
		req[1] = c.blkSeq
		req[2] = c.blkSize
		c.sendFrame(req)
		if last {
			c.state = cliUploadBlockEnd
		} else {
			c.blkSeq = 0
			c.state = cliUploadBlockSub
		}
	}
	return nil
}

func (c *Client) rxUploadBlockEnd(data [8]byte) error {
	if data[0]&0xE3 != 0xC1 {
		return AbortCmd
	}
	if !c.blkHaveLast {
		return AbortCmd
	}
	noData := (data[0] >> 2) & 0x07
	validLen := segmentSize - int(noData)
	if validLen < 0 || validLen > segmentSize || int(c.offset)+validLen > len(c.buf) {
		return AbortDataLong
	}
	copy(c.buf[c.offset:], c.blkPending[:validLen])
	c.offset += uint32(validLen)
	if c.blkCRCEnabled {
		c.blkCRC.Block(c.blkPending[:validLen])
		serverCRC := crc.CRC16(binary.LittleEndian.Uint16(data[1:3]))
		if c.blkCRC != serverCRC {
			return AbortCRC
		}
	}
	c.n = int(c.offset)
	c.state = cliIdle
	return nil
}

// --- shared plumbing ---

func (c *Client) sendCmd(cmd byte, index uint16, sub uint8) {
	var req [8]byte
	req[0] = cmd
	if index != 0 || sub != 0 {
		binary.LittleEndian.PutUint16(req[1:3], index)
		req[3] = sub
	}
	c.sendFrame(req)
}

func (c *Client) sendFrame(data [8]byte) {
	if err := c.send.Send(can.NewFrame(c.txID, data[:])); err != nil {
		c.logger.Warn("sdo client send failed", "error", err)
	}
}

func (c *Client) abort(cause error) {
	code := asAbort(cause)
	var req [8]byte
	req[0] = 0x80
	binary.LittleEndian.PutUint16(req[1:3], c.index)
	req[3] = c.subindex
	binary.LittleEndian.PutUint32(req[4:8], uint32(code))
	c.sendFrame(req)
	c.logger.Warn("sdo client abort", "index", fmt.Sprintf("0x%X", c.index), "subindex", c.subindex, "code", code)
	c.finish(uint32(code), code)
}

func (c *Client) finish(abortCode uint32, err error) {
	c.disarmTimeout()
	cb, n := c.cb, c.n
	c.state = cliIdle
	c.cb = nil
	if cb != nil {
		cb(abortCode, n, err)
	}
}

func (c *Client) armTimeout() {
	c.disarmTimeout()
	if c.state == cliIdle {
		return
	}
	h, err := c.timers.Create(c.timeoutMs, 0, c.onTimeout, nil)
	if err != nil {
		c.logger.Error("sdo client timeout arm failed", "error", err)
		return
	}
	c.timeoutHandle = h
	c.timeoutArmed = true
}

func (c *Client) disarmTimeout() {
	if c.timeoutArmed {
		_ = c.timers.Delete(c.timeoutHandle)
		c.timeoutArmed = false
	}
}

func (c *Client) onTimeout(any) {
	c.timeoutArmed = false
	c.logger.Warn("sdo client timeout", "index", fmt.Sprintf("0x%X", c.index), "subindex", c.subindex)
	c.abort(AbortTimeout)
}
