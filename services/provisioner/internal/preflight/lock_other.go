//go:build !unix

package preflight

import (
	"errors"
	"os"
)

const DefaultLockPath = "pxeprov.lock"

var ErrLocked = errors.New("another pxeprov run is in progress")

type Lock struct{}

func Acquire(string) (*Lock, error) {
	return nil, errors.New("locking is only supported on unix hosts")
}

func (l *Lock) Release() error { return nil }

func geteuid() int {
	return os.Geteuid()
}
