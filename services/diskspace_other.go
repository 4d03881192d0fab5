//go:build !linux && !darwin && !freebsd

package services

import "errors"

var errFreeSpaceUnsupported = errors.New("free space probe not supported on this platform")

func freeBytes(string) (uint64, error) {
	return 0, errFreeSpaceUnsupported
}
