//go:build !unix

package fdpass

// Platforms without ancillary data on local sockets cannot carry descriptors.

func rightsSpace() int {
	return 0
}

func encodeRights(int) ([]byte, error) {
	return nil, ErrUnsupported
}

func decodeRights([]byte, int) (int, error) {
	return -1, ErrUnsupported
}
