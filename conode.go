// Package conode implements the slave side of a CiA 301 CANopen network:
// object dictionary, NMT state machine, SDO server/client, TPDO/RPDO engine,
// SYNC handling, EMCY production and the software timer wheel that drives
// all of the above. The package only consumes a CAN driver (pkg/can) and a
// millisecond tick source; everything else runs in the caller's main loop.
package conode

// LastError is a read-and-clear error slot, kept alongside normal error
// returns for embedded integrators that poll node state instead of checking
// every return value (see DESIGN.md).
type LastError struct {
	err error
}

// Set records err if the slot is currently empty. The first error survives
// until Clear is called.
func (l *LastError) Set(err error) {
	if l.err == nil {
		l.err = err
	}
}

// Clear returns the latched error, if any, and resets the slot.
func (l *LastError) Clear() error {
	err := l.err
	l.err = nil
	return err
}
