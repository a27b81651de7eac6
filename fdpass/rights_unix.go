//go:build unix

package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// On unix the descriptor travels as an SCM_RIGHTS ancillary control message
// attached to the marker byte.

func rightsSpace() int {
	return unix.CmsgSpace(4)
}

func encodeRights(fd int) ([]byte, error) {
	return unix.UnixRights(fd), nil
}

func decodeRights(oob []byte, flags int) (int, error) {
	if len(oob) == 0 {
		return -1, ErrNoDescriptor
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}

	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeAll(fds)
			return -1, fmt.Errorf("%w: %v", ErrMalformedControl, err)
		}
		fds = append(fds, rights...)
	}

	switch {
	case flags&unix.MSG_CTRUNC != 0:
		closeAll(fds)
		return -1, fmt.Errorf("%w: control data truncated", ErrMalformedControl)
	case len(msgs) != 1:
		closeAll(fds)
		return -1, fmt.Errorf("%w: %d control messages", ErrMalformedControl, len(msgs))
	case len(fds) != 1:
		closeAll(fds)
		return -1, fmt.Errorf("%w: %d descriptors", ErrMalformedControl, len(fds))
	case fds[0] < 0:
		return -1, ErrNegativeDescriptor
	}

	return fds[0], nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
