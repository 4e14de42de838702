// Package iolib holds small io helpers shared across the module.
package iolib

import "io"

// WriteFull writes all of buf to w, looping over partial completions.
func WriteFull(w io.Writer, buf []byte) (uint, error) {
	total := uint(0)
	for total < uint(len(buf)) {
		n, err := w.Write(buf[total:])
		total += uint(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
