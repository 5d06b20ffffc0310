//go:build linux

package reader

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// baudCodes maps line speeds to the termios constants for them.
var baudCodes = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// configureTTY puts the port in raw 8N1 mode at the given speed. VMIN=1
// with VTIME=0 would be the classic blocking-read setup, but Go's runtime
// drives ttys through the poller in non-blocking mode, so read timing is
// done with deadlines instead.
func configureTTY(fd int, baud int) error {
	code, ok := baudCodes[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("reading terminal attributes: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | code

	tio.Ispeed = code
	tio.Ospeed = code

	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("writing terminal attributes: %w", err)
	}

	return nil
}
