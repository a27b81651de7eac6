//go:build unix

package extmem

import (
	"io"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

// descriptorSize reports the size of the object behind fd when the kernel
// exposes one through lseek. The file offset is restored.
func descriptorSize(fd int) (uint64, bool) {
	cur, err := unix.Seek(fd, 0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}

	end, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		return 0, false
	}

	if _, err := unix.Seek(fd, cur, io.SeekStart); err != nil {
		return 0, false
	}

	if end <= 0 {
		return 0, false
	}

	return uint64(end), true
}
