//go:build !linux

package i2c

import (
	"errors"
	"fmt"
)

var errUnsupported = errors.New("i2c: unsupported OS (need linux)")

type Bus struct{}

type Dev struct{}

func BusPath(n int) string { return fmt.Sprintf("/dev/i2c-%d", n) }

func Open(string) (*Bus, error) { return nil, errUnsupported }

func (b *Bus) Close() error { return nil }

func (b *Bus) Dev(uint16) *Dev { return nil }

func (d *Dev) ReadReg(byte, []byte) error    { return errUnsupported }
func (d *Dev) WriteReg16(byte, uint16) error { return errUnsupported }
