//go:build !linux || (!arm && !arm64)

package modempower

import "fmt"

func openLine(string, int) (outputLine, error) {
	return nil, fmt.Errorf("modempower: gpio unsupported on this platform")
}

var openLineFn = openLine
