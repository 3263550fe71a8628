// Package sync implements the CiA 301 SYNC handler: tracks the SYNC
// counter on receive, produces SYNC frames when configured as producer,
// and reports window/timeout events the PDO engine and EMCY producer act
// on.
package sync

import (
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/emergency"
	"github.com/cia301/conode/pkg/od"
)

// Event is the status Process returns for the tick just completed.
type Event uint8

const (
	EventNone         Event = iota // no SYNC event this tick
	EventRxOrTx                    // a SYNC frame was received or transmitted this tick
	EventPassedWindow              // the synchronous window (0x1007) just elapsed
)

// Sender is the frame-emitting collaborator SYNC needs when acting as
// producer.
type Sender interface {
	Send(can.Frame) error
}

// SYNC is the handler: one instance per node, driven by Handle on
// reception and Process once per main-loop iteration. No goroutines,
// channels, or mutexes — single-threaded cooperative model.
type SYNC struct {
	logger *slog.Logger
	send   Sender
	emcy   *emergency.EMCY
	dict   *od.Dictionary

	rxNew           bool
	rxToggle        bool
	receiveError    uint8
	counter         uint8
	counterOverflow uint8
	outsideWindow   bool
	timeoutLatched  uint8 // 0 = none, 1 = armed, 2 = fired

	timerMs uint32

	isProducer bool
	cobID      uint32
	txID       uint32
}

// New builds the SYNC handler from the communication objects at
// 0x1005/0x1006/0x1007, and optionally 0x1019 (counter overflow, not
// mandatory).
func New(dict *od.Dictionary, emcy *emergency.EMCY, sender Sender, logger *slog.Logger) (*SYNC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SYNC{logger: logger.With("service", "SYNC"), send: sender, emcy: emcy, dict: dict}

	cobIdSync, err := dict.ReadU32(od.EntryCobIdSYNC, 0)
	if err != nil {
		return nil, err
	}
	if entry, ok := dict.Find(od.EntryCobIdSYNC, 0); ok {
		entry.Type = od.FuncType{WriteFn: s.writeCobID}
	}
	s.applyCobID(cobIdSync)

	if overflow, err := dict.ReadU8(od.EntrySynchronousCounterOverflow, 0); err == nil {
		switch {
		case overflow == 1:
			overflow = 2
		case overflow > 240:
			overflow = 240
		}
		s.counterOverflow = overflow
		if entry, ok := dict.Find(od.EntrySynchronousCounterOverflow, 0); ok {
			entry.Type = od.FuncType{WriteFn: s.writeCounterOverflow}
		}
	}

	return s, nil
}

func (s *SYNC) applyCobID(cobID uint32) {
	s.isProducer = cobID&0x40000000 != 0
	s.cobID = cobID & 0x7FF
	s.txID = s.cobID
}

func (s *SYNC) writeCobID(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := s.dict.ReadU32(od.EntryCobIdSYNC, 0)
	if err != nil {
		return err
	}
	s.applyCobID(v)
	return nil
}

func (s *SYNC) writeCounterOverflow(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := s.dict.ReadU8(od.EntrySynchronousCounterOverflow, 0)
	if err != nil {
		return err
	}
	switch {
	case v == 1:
		v = 2
	case v > 240:
		v = 240
	}
	s.counterOverflow = v
	return nil
}

// Handle processes one received CAN frame already matched to the SYNC
// COB-ID by the orchestrator.
func (s *SYNC) Handle(frame can.Frame) {
	received := false
	if s.counterOverflow == 0 {
		if frame.DLC == 0 {
			received = true
		} else {
			s.receiveError = frame.DLC | 0x40
		}
	} else {
		if frame.DLC == 1 {
			s.counter = frame.Data[0]
			received = true
		} else {
			s.receiveError = frame.DLC | 0x80
		}
	}
	if received {
		s.rxToggle = !s.rxToggle
		s.rxNew = true
	}
}

func (s *SYNC) transmit() {
	s.counter++
	if s.counter > s.counterOverflow {
		s.counter = 1
	}
	s.timerMs = 0
	s.rxToggle = !s.rxToggle
	data := []byte{}
	if s.counterOverflow != 0 {
		data = []byte{s.counter}
	}
	frame := can.NewFrame(s.txID, data)
	if err := s.send.Send(frame); err != nil {
		s.logger.Warn("sync send failed", "error", err)
	}
}

// CobID is the configured SYNC COB-ID (0x1005, low 11 bits), used by the
// node orchestrator to route an incoming frame here.
func (s *SYNC) CobID() uint32 { return s.cobID }

// Counter returns the current SYNC counter value.
func (s *SYNC) Counter() uint8 { return s.counter }

// RxToggle flips every time a SYNC is received or transmitted.
func (s *SYNC) RxToggle() bool { return s.rxToggle }

// CounterOverflow is the configured counter wraparound (0x1019); 0 means
// SYNC frames carry no counter byte.
func (s *SYNC) CounterOverflow() uint8 { return s.counterOverflow }

// Process advances the SYNC handler by deltaMs milliseconds. When
// operational or pre-operational it produces SYNC frames on schedule (if
// configured as producer), detects consumer timeout, and reports whether
// the synchronous window has just elapsed. nextMs, if non-nil, is
// lowered to the time until the next event this handler cares about
// (pkg/node passes nil).
func (s *SYNC) Process(nmtIsPreOrOperational bool, deltaMs uint32, nextMs *uint32) Event {
	if !nmtIsPreOrOperational {
		s.rxNew = false
		s.receiveError = 0
		s.counter = 0
		s.timerMs = 0
		return EventNone
	}

	s.timerMs += deltaMs
	status := EventNone
	if s.rxNew {
		s.timerMs = 0
		s.rxNew = false
		status = EventRxOrTx
	}

	cyclePeriod, _ := s.dict.ReadU32(od.EntryCommunicationCyclePeriod, 0)
	if cyclePeriod > 0 {
		if s.isProducer {
			if s.timerMs >= cyclePeriod {
				status = EventRxOrTx
				s.transmit()
			}
			if nextMs != nil {
				if diff := cyclePeriod - s.timerMs; *nextMs > diff {
					*nextMs = diff
				}
			}
		} else if s.timeoutLatched == 1 {
			timeout := cyclePeriod + cyclePeriod/2
			if timeout < cyclePeriod {
				timeout = 0xFFFFFFFF
			}
			if s.timerMs > timeout {
				s.emcy.Set(emergency.SyncTimeOut, emergency.ErrCommunication, s.timerMs)
				s.logger.Warn("sync timeout", "elapsed_ms", s.timerMs)
				s.timeoutLatched = 2
			} else if nextMs != nil {
				if diff := timeout - s.timerMs; *nextMs > diff {
					*nextMs = diff
				}
			}
		}
	}

	windowLength, _ := s.dict.ReadU32(od.EntrySynchronousWindowLength, 0)
	if windowLength > 0 && s.timerMs > windowLength {
		if !s.outsideWindow {
			status = EventPassedWindow
		}
		s.outsideWindow = true
	} else {
		s.outsideWindow = false
	}

	if s.receiveError != 0 {
		s.emcy.Set(emergency.SyncLength, emergency.ErrSyncLength, uint32(s.receiveError))
		s.logger.Warn("sync receive error", "code", s.receiveError)
		s.receiveError = 0
	}
	if status == EventRxOrTx {
		if s.timeoutLatched == 2 {
			s.emcy.Clr(emergency.SyncTimeOut)
		}
		s.timeoutLatched = 1
	}
	return status
}
