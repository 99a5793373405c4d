//go:build linux && (arm || arm64)

package modempower

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openLine(chipName string, offset int) (outputLine, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("modempower: open %s: %w", chipName, err)
	}
	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("tracklink-pwrkey"))
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("modempower: request %s line %d: %w", chipName, offset, err)
	}
	return &gpiodLine{chip: chip, line: line}, nil
}

var openLineFn = openLine

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) SetValue(v int) error { return g.line.SetValue(v) }

func (g *gpiodLine) Close() error {
	err := g.line.Close()
	_ = g.chip.Close()
	return err
}
