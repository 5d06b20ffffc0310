//go:build !linux

package reader

import "errors"

func configureTTY(fd int, baud int) error {
	return errors.New("serial readers are only supported on linux")
}
