// Package sdo implements the CiA 301 SDO server and client: request/response
// state machines for expedited, segmented and block upload/download,
// per-transfer timeout arming, and the abort-code taxonomy carried on the
// wire. Both roles are driven from Handle, called by the node orchestrator
// for every frame matching their configured identifiers; there is no
// internal goroutine, channel or mutex — per-transfer timeouts ride the
// shared timer wheel exactly like pkg/nmt's heartbeat producer.
package sdo

import (
	"errors"
	"fmt"

	"github.com/cia301/conode/pkg/od"
)

// segmentSize is the number of payload bytes carried per segmented or
// block-transfer CAN frame (spec section 4.7/4.8).
const segmentSize = 7

// maxBlockSize is the largest number of segments offered in one block
// sub-block, the CiA 301 protocol ceiling.
const maxBlockSize = 127

// ErrBusy is returned by RequestUpload/RequestDownload when the client
// already has a transfer in progress.
var ErrBusy = errors.New("sdo: client is busy")

// Abort is an SDO abort code (uint32), carried on the wire in an abort
// frame's data[4:8] and also used internally as the error type every
// protocol step function returns.
type Abort uint32

// Abort codes from the CiA 301 table referenced by spec section 4.7.
const (
	AbortToggleBit      Abort = 0x05030000
	AbortTimeout        Abort = 0x05040000
	AbortCmd            Abort = 0x05040001
	AbortBlockSize      Abort = 0x05040002
	AbortSeqNum         Abort = 0x05040003
	AbortCRC            Abort = 0x05040004
	AbortReadOnly       Abort = 0x06010001
	AbortWriteOnly      Abort = 0x06010002
	AbortNotExist       Abort = 0x06020000
	AbortNoMap          Abort = 0x06040041
	AbortMapLen         Abort = 0x06040042
	AbortParamIncompat  Abort = 0x06040043
	AbortTypeMismatch   Abort = 0x06070010
	AbortDataLong       Abort = 0x06070012
	AbortDataShort      Abort = 0x06070013
	AbortSubUnknown     Abort = 0x06090011
	AbortInvalidValue   Abort = 0x06090030
	AbortDataTransfer   Abort = 0x08000020
	AbortDataDeviceState Abort = 0x08000022
	AbortGeneral        Abort = 0x08000000
)

var abortText = map[Abort]string{
	AbortToggleBit:       "toggle bit not altered",
	AbortTimeout:         "SDO protocol timed out",
	AbortCmd:             "command specifier not valid or unknown",
	AbortBlockSize:       "invalid block size",
	AbortSeqNum:          "invalid sequence number",
	AbortCRC:             "CRC error",
	AbortReadOnly:        "attempt to write a read-only object",
	AbortWriteOnly:       "attempt to read a write-only object",
	AbortNotExist:        "object does not exist",
	AbortNoMap:           "object cannot be mapped to a PDO",
	AbortMapLen:          "mapping length exceeds PDO length",
	AbortParamIncompat:   "general parameter incompatibility",
	AbortTypeMismatch:    "data type does not match",
	AbortDataLong:        "data type length too high",
	AbortDataShort:       "data type length too short",
	AbortSubUnknown:      "subindex does not exist",
	AbortInvalidValue:    "invalid value for parameter",
	AbortDataTransfer:    "data cannot be transferred or stored",
	AbortDataDeviceState: "data cannot be transferred, device state",
	AbortGeneral:         "general error",
}

func (a Abort) Error() string {
	if text, ok := abortText[a]; ok {
		return fmt.Sprintf("sdo: abort 0x%08X: %s", uint32(a), text)
	}
	return fmt.Sprintf("sdo: abort 0x%08X", uint32(a))
}

// odAbort converts an object-dictionary access error into the wire abort
// code a server or client response carries, grounded in the teacher's
// ConvertOdToSdoAbort.
func odAbort(err error) Abort {
	switch {
	case errors.Is(err, od.ErrNotFound):
		return AbortNotExist
	case errors.Is(err, od.ErrReadOnly):
		return AbortReadOnly
	case errors.Is(err, od.ErrWriteOnly):
		return AbortWriteOnly
	case errors.Is(err, od.ErrDataShort):
		return AbortDataShort
	case errors.Is(err, od.ErrDataLong):
		return AbortDataLong
	case errors.Is(err, od.ErrRange):
		return AbortInvalidValue
	case errors.Is(err, od.ErrNoMap):
		return AbortNoMap
	case errors.Is(err, od.ErrTypeMismatch):
		return AbortTypeMismatch
	default:
		return AbortGeneral
	}
}

func asAbort(err error) Abort {
	if a, ok := err.(Abort); ok {
		return a
	}
	return AbortGeneral
}
