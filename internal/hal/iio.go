package hal

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// scanType is the layout of one channel in an IIO buffer scan, as read from
// scan_elements/<channel>_type, e.g. "le:u12/16>>0".
type scanType struct {
	bigEndian   bool
	signed      bool
	realBits    int
	storageBits int
	shift       int
}

func parseScanType(s string) (scanType, error) {
	var t scanType
	s = strings.TrimSpace(s)
	endian, rest, ok := strings.Cut(s, ":")
	if !ok || len(rest) < 2 {
		return t, fmt.Errorf("hal: bad scan type %q", s)
	}
	switch endian {
	case "le":
	case "be":
		t.bigEndian = true
	default:
		return t, fmt.Errorf("hal: bad scan type endianness %q", endian)
	}
	switch rest[0] {
	case 'u':
	case 's':
		t.signed = true
	default:
		return t, fmt.Errorf("hal: bad scan type sign %q", rest[:1])
	}
	rest = rest[1:]

	bits, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return t, fmt.Errorf("hal: bad scan type %q", s)
	}
	storage, shift, _ := strings.Cut(rest, ">>")
	// Repeated channels append "X<n>" to the storage width.
	storage, _, _ = strings.Cut(storage, "X")

	var err error
	if t.realBits, err = strconv.Atoi(bits); err != nil {
		return t, fmt.Errorf("hal: bad scan type bits %q: %w", bits, err)
	}
	if t.storageBits, err = strconv.Atoi(storage); err != nil {
		return t, fmt.Errorf("hal: bad scan type storage %q: %w", storage, err)
	}
	if shift != "" {
		if t.shift, err = strconv.Atoi(shift); err != nil {
			return t, fmt.Errorf("hal: bad scan type shift %q: %w", shift, err)
		}
	}
	switch t.storageBits {
	case 8, 16, 32:
	default:
		return t, fmt.Errorf("hal: unsupported storage width %d", t.storageBits)
	}
	if t.realBits <= 0 || t.realBits+t.shift > t.storageBits {
		return t, fmt.Errorf("hal: inconsistent scan type %q", s)
	}
	return t, nil
}

func (t scanType) bytes() int { return t.storageBits / 8 }

// decode extracts one conversion from b and scales it onto the 12-bit range
// used by conversion words. Negative readings clamp to zero.
func (t scanType) decode(b []byte) uint16 {
	var order binary.ByteOrder = binary.LittleEndian
	if t.bigEndian {
		order = binary.BigEndian
	}
	var raw uint32
	switch t.storageBits {
	case 8:
		raw = uint32(b[0])
	case 16:
		raw = uint32(order.Uint16(b))
	case 32:
		raw = order.Uint32(b)
	}
	raw >>= uint(t.shift)
	mask := uint32(1)<<uint(t.realBits) - 1
	raw &= mask

	if t.signed && raw&(1<<uint(t.realBits-1)) != 0 {
		return 0
	}
	switch {
	case t.realBits > 12:
		raw >>= uint(t.realBits - 12)
	case t.realBits < 12:
		raw <<= uint(12 - t.realBits)
	}
	return uint16(raw & wordDataMask)
}
