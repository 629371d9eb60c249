//go:build !linux

package hal

import "fmt"

func openLinux(cfg Config) (*backend, error) {
	return nil, fmt.Errorf("hal: linux backend unsupported on this platform")
}
