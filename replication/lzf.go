package replication

import (
	"errors"
	"fmt"
)

// LZF is the compression Redis applies to long strings in RDB payloads

const (
	lzfMaxLiteral = 32
	lzfMaxOffset  = 1 << 13
	lzfMaxMatch   = 264
	lzfHashLog    = 14
)

var errLZFCorrupt = errors.New("LZF decompression error")

// lzfDecompress decompresses LZF data into exactly uncompressedLen bytes
func lzfDecompress(compressed []byte, uncompressedLen int) ([]byte, error) {
	out := make([]byte, uncompressedLen)
	op, ip := 0, 0

	for ip < len(compressed) {
		ctrl := int(compressed[ip])
		ip++

		if ctrl < 32 {
			n := ctrl + 1
			if ip+n > len(compressed) {
				return nil, fmt.Errorf("%w: not enough literal data", errLZFCorrupt)
			}
			if op+n > uncompressedLen {
				return nil, fmt.Errorf("%w: output buffer overflow", errLZFCorrupt)
			}
			copy(out[op:], compressed[ip:ip+n])
			op += n
			ip += n
			continue
		}

		n := ctrl >> 5
		if n == 7 {
			if ip >= len(compressed) {
				return nil, fmt.Errorf("%w: missing extended length", errLZFCorrupt)
			}
			n += int(compressed[ip])
			ip++
		}
		n += 2

		if ip >= len(compressed) {
			return nil, fmt.Errorf("%w: missing offset", errLZFCorrupt)
		}
		ref := op - (ctrl&0x1F)<<8 - int(compressed[ip]) - 1
		ip++

		if ref < 0 {
			return nil, fmt.Errorf("%w: invalid offset", errLZFCorrupt)
		}
		if op+n > uncompressedLen {
			return nil, fmt.Errorf("%w: output buffer overflow", errLZFCorrupt)
		}
		// byte by byte, the reference may overlap the output
		for i := 0; i < n; i++ {
			out[op] = out[ref]
			op++
			ref++
		}
	}

	if op != uncompressedLen {
		return nil, fmt.Errorf("%w: decompressed size mismatch: expected %d, got %d", errLZFCorrupt, uncompressedLen, op)
	}
	return out, nil
}

// lzfCompress compresses in, or returns nil when the result would not be
// smaller than the input
func lzfCompress(in []byte) []byte {
	if len(in) < 4 {
		return nil
	}

	var htab [1 << lzfHashLog]int
	out := make([]byte, 0, len(in))
	litStart := 0

	flushLiterals := func(end int) {
		for litStart < end {
			n := min(end-litStart, lzfMaxLiteral)
			out = append(out, byte(n-1))
			out = append(out, in[litStart:litStart+n]...)
			litStart += n
		}
	}

	ip := 0
	for ip+2 < len(in) {
		h := (uint32(in[ip])<<16 | uint32(in[ip+1])<<8 | uint32(in[ip+2])) * 2654435761 >> (32 - lzfHashLog)
		ref := htab[h] - 1
		htab[h] = ip + 1

		if ref < 0 || ip-ref > lzfMaxOffset ||
			in[ref] != in[ip] || in[ref+1] != in[ip+1] || in[ref+2] != in[ip+2] {
			ip++
			continue
		}

		maxLen := min(len(in)-ip, lzfMaxMatch)
		n := 3
		for n < maxLen && in[ref+n] == in[ip+n] {
			n++
		}

		flushLiterals(ip)
		off := ip - ref - 1
		if l := n - 2; l < 7 {
			out = append(out, byte(l<<5|off>>8), byte(off))
		} else {
			out = append(out, byte(7<<5|off>>8), byte(l-7), byte(off))
		}
		ip += n
		litStart = ip

		if len(out) >= len(in) {
			return nil
		}
	}

	flushLiterals(len(in))
	if len(out) >= len(in) {
		return nil
	}
	return out
}
