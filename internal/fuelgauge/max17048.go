// Package fuelgauge reads battery state from a MAX17048 fuel gauge.
package fuelgauge

import (
	"errors"
	"fmt"

	"tracklink/internal/i2c"
)

const (
	DefaultAddr = 0x36

	regVCell   = 0x02
	regSOC     = 0x04
	regMode    = 0x06
	regVersion = 0x08

	modeQuickStart = 0x4000

	// VCELL LSB in volts.
	vcellLSB = 78.125e-6

	// CriticalPercent is the charge below which a Reading is flagged.
	CriticalPercent = 10.0
)

type regIO interface {
	ReadReg(reg byte, dst []byte) error
	WriteReg16(reg byte, v uint16) error
}

// Reading is one battery sample.
type Reading struct {
	Voltage  float64 `json:"voltage"`
	Percent  float64 `json:"percent"`
	Critical bool    `json:"critical"`
}

type Gauge struct {
	io regIO
}

// Open attaches to the gauge at addr on an open bus and checks that the
// part answers.
func Open(bus *i2c.Bus, addr uint16) (*Gauge, error) {
	if bus == nil {
		return nil, errors.New("fuelgauge: bus is nil")
	}
	if addr == 0 {
		addr = DefaultAddr
	}
	return newWithIO(bus.Dev(addr))
}

func newWithIO(dev regIO) (*Gauge, error) {
	if dev == nil {
		return nil, errors.New("fuelgauge: device is nil")
	}
	g := &Gauge{io: dev}
	if _, err := g.Version(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gauge) readU16(reg byte) (uint16, error) {
	var b [2]byte
	if err := g.io.ReadReg(reg, b[:]); err != nil {
		return 0, fmt.Errorf("fuelgauge: read reg 0x%02X: %w", reg, err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// Version returns the production version register.
func (g *Gauge) Version() (uint16, error) {
	return g.readU16(regVersion)
}

func (g *Gauge) Read() (Reading, error) {
	vraw, err := g.readU16(regVCell)
	if err != nil {
		return Reading{}, err
	}
	sraw, err := g.readU16(regSOC)
	if err != nil {
		return Reading{}, err
	}
	pct := float64(sraw>>8) + float64(sraw&0xFF)/256.0
	if pct > 100 {
		pct = 100
	}
	return Reading{
		Voltage:  float64(vraw) * vcellLSB,
		Percent:  pct,
		Critical: pct < CriticalPercent,
	}, nil
}

// QuickStart restarts fuel-gauge calculations, for use after a battery swap.
func (g *Gauge) QuickStart() error {
	if err := g.io.WriteReg16(regMode, modeQuickStart); err != nil {
		return fmt.Errorf("fuelgauge: quick start: %w", err)
	}
	return nil
}
