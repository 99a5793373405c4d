// Package gps turns positioning sentences from the shared transport into
// the latest position fix.
package gps

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotNMEA  = errors.New("nmea: missing '$'")
	ErrChecksum = errors.New("nmea: checksum mismatch")
)

const knotsToKmh = 1.852

type nmeaSentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, ErrNotNMEA
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("%w: missing checksum", ErrChecksum)
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("%w: short checksum", ErrChecksum)
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("%w: bad checksum %q", ErrChecksum, ck[:2])
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, ErrChecksum
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type %q", parts[0])
	}
	// GPRMC, GNRMC and friends all normalize to the last three letters.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

type nmeaState struct {
	lat, lon     float64
	latOK, lonOK bool

	altM  float64
	altOK bool

	speedKmh float64
	speedOK  bool

	courseDeg float64
	courseOK  bool

	fixQuality   int
	fixQualityOK bool
	satellites   int
	satsOK       bool
	hdop         float64
	hdopOK       bool

	// fixTime is the receiver's UTC time from the last RMC.
	fixTime time.Time
	lastFix time.Time
	valid   bool
}

// apply folds sent into the state and reports whether the fix changed.
// ok is false for sentence types the state does not use.
func (s *nmeaState) apply(now time.Time, sent nmeaSentence) (updated, ok bool) {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(now, sent.Fields), true
	case "GGA":
		return s.applyGGA(now, sent.Fields), true
	default:
		return false, false
	}
}

// RMC fields: 1 time, 2 status, 3-4 lat, 5-6 lon, 7 speed (kn), 8 course,
// 9 date.
func (s *nmeaState) applyRMC(now time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// A void fix invalidates what we have.
		s.valid = false
		return false
	}

	if lat, ok := parseNMEALatLon(f[3], f[4]); ok {
		s.lat, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[5], f[6]); ok {
		s.lon, s.lonOK = lon, true
	}
	if kn, ok := parseFloat(f[7]); ok {
		s.speedKmh, s.speedOK = kn*knotsToKmh, true
	}
	if c, ok := parseFloat(f[8]); ok {
		s.courseDeg, s.courseOK = math.Mod(c+360.0, 360.0), true
	}
	if t, ok := parseNMEATime(f[9], f[1]); ok {
		s.fixTime = t
	}

	if s.latOK && s.lonOK {
		s.lastFix = now
		s.valid = true
		return true
	}
	return false
}

// GGA fields: 1 time, 2-3 lat, 4-5 lon, 6 quality, 7 satellites, 8 hdop,
// 9 altitude (m).
func (s *nmeaState) applyGGA(now time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil || q == 0 {
		return false
	}
	s.fixQuality, s.fixQualityOK = q, true
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites, s.satsOK = sats, true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
	if lat, ok := parseNMEALatLon(f[2], f[3]); ok {
		s.lat, s.latOK = lat, true
	}
	if lon, ok := parseNMEALatLon(f[4], f[5]); ok {
		s.lon, s.lonOK = lon, true
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.altM, s.altOK = alt, true
	}

	if s.latOK && s.lonOK {
		s.lastFix = now
		s.valid = true
		return true
	}
	return false
}

func (s *nmeaState) fix() Fix {
	out := Fix{Valid: s.valid, Lat: s.lat, Lon: s.lon}
	if s.altOK {
		v := s.altM
		out.AltM = &v
	}
	if s.speedOK {
		v := math.Round(s.speedKmh*10) / 10
		out.SpeedKmh = &v
	}
	if s.courseOK {
		v := s.courseDeg
		out.CourseDeg = &v
	}
	if s.fixQualityOK {
		v := s.fixQuality
		out.FixQuality = &v
	}
	if s.satsOK {
		v := s.satellites
		out.Satellites = &v
	}
	if s.hdopOK {
		v := s.hdop
		out.HDOP = &v
	}
	if !s.fixTime.IsZero() {
		out.TimeUTC = s.fixTime.Format(time.RFC3339)
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (latitude) or dddmm.mmmm (longitude)
// plus hemisphere into signed decimal degrees.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	intPart := v
	if dot := strings.IndexByte(v, '.'); dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// parseNMEATime combines RMC ddmmyy and hhmmss.sss.
func parseNMEATime(date, clock string) (time.Time, bool) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, false
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}, false
	}
	if len(clock) > 7 && clock[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t.UTC(), true
}
