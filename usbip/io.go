package usbip

import "io"

// ReadExactly fills buf completely or returns the first error encountered,
// looping over short reads the way a raw TCP socket frequently produces them.
func ReadExactly(r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
