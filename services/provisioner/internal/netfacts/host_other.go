//go:build !linux

package netfacts

import "errors"

// SystemHost is only implemented on Linux.
type SystemHost struct{}

func (SystemHost) DefaultRouteInterface() (string, error) {
	return "", errors.New("default route discovery requires linux")
}

func (SystemHost) Interfaces() ([]Interface, error) {
	return nil, errors.New("interface discovery requires linux")
}
