//go:build !linux

package serialport

import (
	"io"

	"go.bug.st/serial"
)

func openPort(path string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}
