package conode

import "errors"

// Argument and resource errors, surfaced through the node's [LastError] slot
// and returned from the API directly. SDO-protocol errors are carried on the
// wire as [github.com/cia301/conode/pkg/sdo.Abort] codes instead, see
// pkg/sdo/common.go.
var (
	ErrIllegalArgument       = errors.New("illegal argument")
	ErrOdParameters          = errors.New("error in object dictionary parameters")
	ErrIllegalBaudrate       = errors.New("illegal baudrate")
	ErrTxBusy                = errors.New("send rejected, driver is busy")
	ErrTimeout               = errors.New("operation timed out")
	ErrInvalidState          = errors.New("driver not ready")
	ErrWrongNMTState         = errors.New("command cannot be processed in the current NMT state")
	ErrNodeIdUnconfiguredLSS = errors.New("node-id is unconfigured (LSS waiting state)")
)
