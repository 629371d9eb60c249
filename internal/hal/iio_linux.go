//go:build linux

package hal

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	iioSysfsBase = "/sys/bus/iio/devices"
	iioDevBase   = "/dev"
)

// iioSource streams one voltage channel of a buffered IIO converter. The
// character device is opened non-blocking so an empty kernel buffer reads
// as zero samples.
type iioSource struct {
	sysPath string
	fd      int
	channel uint8
	st      scanType
	buf     []byte
}

func openIIO(device string, channel int, rateHz int) (*iioSource, error) {
	sysPath := filepath.Join(iioSysfsBase, device)
	name := fmt.Sprintf("in_voltage%d", channel)

	typ, err := readSysfs(filepath.Join(sysPath, "scan_elements", name+"_type"))
	if err != nil {
		return nil, fmt.Errorf("hal: read %s scan type: %w", name, err)
	}
	st, err := parseScanType(typ)
	if err != nil {
		return nil, err
	}

	// Buffer parameters can only change while the buffer is disabled.
	_ = writeSysfs(filepath.Join(sysPath, "buffer", "enable"), "0")
	if err := writeSysfs(filepath.Join(sysPath, "sampling_frequency"), strconv.Itoa(rateHz)); err != nil {
		return nil, fmt.Errorf("hal: set iio sampling frequency: %w", err)
	}
	if err := writeSysfs(filepath.Join(sysPath, "scan_elements", name+"_en"), "1"); err != nil {
		return nil, fmt.Errorf("hal: enable %s: %w", name, err)
	}
	// Room for 100 ms of samples.
	length := rateHz / 10
	if length < 64 {
		length = 64
	}
	if err := writeSysfs(filepath.Join(sysPath, "buffer", "length"), strconv.Itoa(length)); err != nil {
		return nil, fmt.Errorf("hal: set iio buffer length: %w", err)
	}
	if err := writeSysfs(filepath.Join(sysPath, "buffer", "enable"), "1"); err != nil {
		return nil, fmt.Errorf("hal: enable iio buffer: %w", err)
	}

	fd, err := unix.Open(filepath.Join(iioDevBase, device), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = writeSysfs(filepath.Join(sysPath, "buffer", "enable"), "0")
		return nil, fmt.Errorf("hal: open %s: %w", device, err)
	}
	return &iioSource{sysPath: sysPath, fd: fd, channel: uint8(channel), st: st}, nil
}

func (s *iioSource) ReadWords(dst []uint32) (int, error) {
	if s.fd < 0 {
		return 0, fmt.Errorf("hal: iio source closed")
	}
	size := s.st.bytes()
	if need := len(dst) * size; cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:len(dst)*size]

	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	count := n / size
	for i := 0; i < count; i++ {
		dst[i] = EncodeWord(s.channel, s.st.decode(buf[i*size:]))
	}
	return count, nil
}

func (s *iioSource) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	_ = writeSysfs(filepath.Join(s.sysPath, "buffer", "enable"), "0")
	return err
}
