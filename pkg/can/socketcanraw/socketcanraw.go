// Package socketcanraw talks to a Linux SocketCAN interface through a raw
// AF_CAN socket, without the brutella/can dependency. It is built on
// golang.org/x/sys/unix and batches reception with recvmmsg.
package socketcanraw

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"unsafe"

	"github.com/cia301/conode/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.RegisterBackend("socketcanraw", func() can.Bus { return &Bus{} })
}

const (
	canFrameSize = 16
	msgBatchSize = 64
	rxQueueSize  = 256
)

// rawFrame mirrors struct can_frame from linux/can.h.
type rawFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Bus is a [can.Bus] backend using a raw AF_CAN socket, read in a background
// goroutine and buffered so Receive stays non-blocking.
type Bus struct {
	fd     int
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	rx     chan can.Frame
}

// Connect binds to the named Linux network interface (e.g. "can0").
// bitrateBPS is accepted for interface symmetry; SocketCAN bitrate is
// configured at the OS/ip-link level, not by this driver.
func (b *Bus) Connect(channel string, bitrateBPS int) error {
	if b.logger == nil {
		b.logger = slog.Default().With("component", "can-socketcanraw")
	}
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcanraw: create socket: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("socketcanraw: bind: %w", err)
	}
	b.fd = fd
	b.rx = make(chan can.Frame, rxQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiveLoop(ctx)
	}()
	return nil
}

// Disconnect stops the receive loop and closes the socket.
func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	b.cancel = nil
	return unix.Close(b.fd)
}

// Send transmits one frame on the socket.
func (b *Bus) Send(frame can.Frame) error {
	if b.cancel == nil {
		return can.ErrNotConnected
	}
	raw := rawFrame{id: frame.ID, dlc: frame.DLC, data: frame.Data}
	buf := (*(*[canFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	n, err := unix.Write(b.fd, buf)
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("socketcanraw: short write (%d of %d bytes)", n, canFrameSize)
	}
	return nil
}

// Receive returns the next buffered frame, if any, without blocking.
func (b *Bus) Receive() (can.Frame, bool, error) {
	if b.rx == nil {
		return can.Frame{}, false, can.ErrNotConnected
	}
	select {
	case frame := <-b.rx:
		return frame, true, nil
	default:
		return can.Frame{}, false, nil
	}
}

func (b *Bus) receiveLoop(ctx context.Context) {
	frames := make([]rawFrame, msgBatchSize)
	iovecs := make([]unix.Iovec, msgBatchSize)
	mmsgs := make([]Mmsghdr, msgBatchSize)
	for i := 0; i < msgBatchSize; i++ {
		iovecs[i].Base = (*byte)(unsafe.Pointer(&frames[i]))
		iovecs[i].SetLen(canFrameSize)
		mmsgs[i].Hdr.Iov = &iovecs[i]
		mmsgs[i].Hdr.Iovlen = 1
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ts := unix.Timespec{Nsec: 50_000_000} // 50ms poll tick
		n, _, errno := unix.Syscall6(
			unix.SYS_RECVMMSG,
			uintptr(b.fd),
			uintptr(unsafe.Pointer(&mmsgs[0])),
			uintptr(msgBatchSize),
			0,
			uintptr(unsafe.Pointer(&ts)),
			0,
		)
		if errno != 0 {
			if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR {
				continue
			}
			b.logger.Error("recvmmsg failed", "error", errno)
			return
		}
		for i := 0; i < int(n); i++ {
			f := can.NewFrame(frames[i].id, frames[i].data[:frames[i].dlc])
			select {
			case b.rx <- f:
			default:
				b.logger.Warn("receive queue full, dropping frame", "id", f.ID)
			}
		}
	}
}

// SetReceiveOwn enables or disables loopback reception of this socket's own
// transmitted frames, useful for testing against a vcan interface.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}

// SetFilters installs kernel-side CAN ID filters on the socket.
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
