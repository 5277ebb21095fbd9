//go:build linux

package softhw

import (
	"encoding/binary"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/queueproxy/hsa"
)

// process executes packets of hq in read index order until hq is
// destroyed or the handler fails.
//
// A slot is executed once its header carries a valid packet type. The
// header is loaded atomically, so the payload written before it was
// published is visible here. After copying, the slot is invalidated and
// the read index advanced, handing the slot back to producers.
func (d *Device) process(hq *hwQueue) {
	defer close(hq.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	timeoutMS := int(d.conf.PollTimeout.Milliseconds())
	var p Packet
	p.Queue = hq.q.ID

	for {
		read := hq.read.Load()
		slot := hq.ring.Slot(read)

		header := slot.Header()
		if hsa.PacketType(header) == hsa.PacketTypeInvalid {
			select {
			case <-hq.stop:
				return
			default:
			}
			if err := waitDoorbell(hq.doorbell.efd, timeoutMS); err != nil {
				d.fail(hq, err)
				return
			}
			continue
		}

		p.Packet = *slot
		p.Packet[0] = header
		p.Index = read

		slot.PublishHeader(hsa.PacketTypeInvalid)
		hq.read.Store(read + 1)

		if d.conf.Handler == nil {
			continue
		}
		if err := d.conf.Handler(&p); err != nil {
			d.fail(hq, err)
			return
		}
	}
}

func (d *Device) fail(hq *hwQueue, err error) {
	d.log.WithFields(logrus.Fields{
		"queue": hq.q.ID,
		"index": hq.read.Load(),
		"error": err,
	}).Error("packet processor stopped")
	if hq.onError != nil {
		hq.onError(err, hq.q)
	}
}

/*---- Doorbells ----*/

func newDoorbell() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func closeDoorbell(efd int) error { return unix.Close(efd) }

// kick notifies the packet processor waiting on efd.
func kick(efd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(efd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

// waitDoorbell blocks until efd was kicked or timeoutMS expires.
// Returns nil on wakeup and on timeout.
func waitDoorbell(efd int, timeoutMS int) error {
	for {
		n, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(efd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == unix.EINTR {
			continue // Retry on signal interruption.
		}
		if err != nil {
			return err
		}
		if n > 0 {
			var buf [8]byte
			if _, err := unix.Read(efd, buf[:]); err != nil && err != unix.EAGAIN {
				return err
			}
		}
		return nil
	}
}
