package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want Tag
	}{
		{"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n", TagPositioning},
		{"$GNGGA,,,,,,0,00,99.99,,,,,,*56\r\n", TagPositioning},
		{"AT+CSQ\r\n", TagCommand},
		{"at\r\n", TagCommand},
		{"+CSQ: 21,99\r\n", TagCommand},
		{"OK\r\n", TagCommand},
		{"ERROR\r\n", TagCommand},
		{"+CME ERROR: 10\r\n", TagCommand},
		{"NO CARRIER\r\n", TagCommand},
		{"\r\nNO DIALTONE\r\n", TagCommand},
		{"RDY\r\n", TagCommand},
		{"> ", TagCommand},
		{"\r\n$GPGSV,1,1,00*79\r\n", TagPositioning},
		{"garbage\r\n", TagUnclassified},
		{"A\r\n", TagUnclassified},
		{"", TagUnclassified},
		{"\r\n\r\n", TagUnclassified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify([]byte(tc.in)), "input %q", tc.in)
	}
}

func TestClassify_PositioningFramingWins(t *testing.T) {
	// A '$' sentence whose body looks like a command is still positioning.
	assert.Equal(t, TagPositioning, Classify([]byte("$AT+OK,ERROR*00\r\n")))
}

func TestClassify_OnlyLooksAtPrefix(t *testing.T) {
	long := make([]byte, 64*1024)
	for i := range long {
		long[i] = 'x'
	}
	copy(long[1000:], "OK\r\n")
	assert.Equal(t, TagUnclassified, Classify(long))
	copy(long, "AT")
	assert.Equal(t, TagCommand, Classify(long))
}

func nmeaFragment(rt *rapid.T, label string) string {
	talker := rapid.SampledFrom([]string{"GP", "GN", "GL", "GA"}).Draw(rt, label+"_talker")
	typ := rapid.SampledFrom([]string{"RMC", "GGA", "GSA", "GSV", "VTG"}).Draw(rt, label+"_type")
	body := rapid.StringMatching(`[0-9A-Z.,]{0,60}`).Draw(rt, label+"_body")
	payload := talker + typ + "," + body
	var cs byte
	for i := 0; i < len(payload); i++ {
		cs ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, cs)
}

func commandFragment(rt *rapid.T, label string) string {
	switch rapid.IntRange(0, 4).Draw(rt, label+"_kind") {
	case 0:
		return "AT" + rapid.StringMatching(`[+A-Z0-9=?,"]{0,30}`).Draw(rt, label+"_req") + "\r\n"
	case 1:
		return "+" + rapid.StringMatching(`[A-Z]{2,8}: [0-9,."A-Za-z]{0,30}`).Draw(rt, label+"_urc") + "\r\n"
	case 2:
		return "OK\r\n"
	case 3:
		return "ERROR\r\n"
	default:
		return rapid.SampledFrom([]string{"NO CARRIER\r\n", "+CME ERROR: 30\r\n", "BUSY\r\n"}).Draw(rt, label+"_fail")
	}
}

// Every fragment confined to one descriptor lands in the right channel, in
// order, with no parse errors.
func TestRouting_InterleavedFragmentsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e, err := NewEngine(EngineConfig{Descriptors: 4, BufferSize: 256}, nil)
		require.NoError(rt, err)
		cmdQ, posQ := NewQueue(128), NewQueue(128)
		r := NewRouter(e, cmdQ, posQ)

		count := rapid.IntRange(1, 60).Draw(rt, "count")
		var wantCmd, wantPos []string
		for i := 0; i < count; i++ {
			label := fmt.Sprintf("f%d", i)
			var frag string
			if rapid.Bool().Draw(rt, label+"_positioning") {
				frag = nmeaFragment(rt, label)
				wantPos = append(wantPos, frag)
			} else {
				frag = commandFragment(rt, label)
				wantCmd = append(wantCmd, frag)
			}
			e.capture([]byte(frag))
			require.Equal(rt, 1, r.drain())
		}

		require.Zero(rt, r.parseErrors.Load())
		require.Zero(rt, e.overruns.Load())
		require.Equal(rt, uint64(len(wantPos)), r.positioningPackets.Load())
		require.Equal(rt, uint64(len(wantCmd)), r.commandPackets.Load())

		var gotCmd, gotPos []string
		for _, p := range cmdQ.Drain() {
			gotCmd = append(gotCmd, string(p))
		}
		for _, p := range posQ.Drain() {
			gotPos = append(gotPos, string(p))
		}
		require.Equal(rt, wantCmd, gotCmd)
		require.Equal(rt, wantPos, gotPos)
	})
}
