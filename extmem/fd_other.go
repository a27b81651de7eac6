//go:build !unix

package extmem

import "errors"

func closeFD(fd int) error {
	return errors.New("extmem: descriptors not supported on this platform")
}

func descriptorSize(fd int) (uint64, bool) {
	return 0, false
}
