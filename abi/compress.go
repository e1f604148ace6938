package main

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
)

// compressLZ4 block-compresses data with the original size prepended as a
// little-endian uint32, then base64-encodes the frame for safe string
// transport. The second return is the frame length before base64.
func compressLZ4(data string) (string, int, bool) {
	src := []byte(data)

	frame := make([]byte, 4, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(frame, uint32(len(src)))

	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return "", 0, false
	}
	if n == 0 || n >= len(src) {
		// Incompressible input is stored raw; a body as long as the
		// size prefix claims is unambiguously a passthrough frame.
		frame = append(frame, src...)
	} else {
		frame = append(frame, dst[:n]...)
	}

	return base64.StdEncoding.EncodeToString(frame), len(frame), true
}

// decompressLZ4 reverses compressLZ4.
func decompressLZ4(data string) (string, bool) {
	frame, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(frame) < 4 {
		return "", false
	}

	size := binary.LittleEndian.Uint32(frame)
	body := frame[4:]

	if size == 0 {
		return "", true
	}
	if uint32(len(body)) == size {
		// Raw passthrough frame.
		return string(body), true
	}

	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil || uint32(n) != size {
		return "", false
	}
	return string(dst[:n]), true
}
