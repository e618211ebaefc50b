package scenario

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ImmediateDelay is how far in the future an immediate ("0") offset lands.
const ImmediateDelay = 5 * time.Second

// DefaultBareUnit is the unit applied to a bare day count when scheduling.
// Stored scenarios were authored against hours, so that stays the default.
const DefaultBareUnit = time.Hour

// Offset is a parsed relative send-time expression.
//
//	"3", "-2"   bare count
//	"2 10:00"   event date shifted by 2 days, at 10:00 wall clock
//	"0"         immediate
type Offset struct {
	Days      int
	Clock     time.Duration
	HasClock  bool
	Immediate bool
}

// ParseOffset parses an offset expression. It never panics; malformed input
// returns an error wrapping ErrParseFailure.
func ParseOffset(expr string) (Offset, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 || len(fields) > 2 {
		return Offset{}, fmt.Errorf("%w: %q", ErrParseFailure, expr)
	}
	days, err := strconv.Atoi(fields[0])
	if err != nil {
		return Offset{}, fmt.Errorf("%w: day count %q", ErrParseFailure, fields[0])
	}
	off := Offset{Days: days}
	if len(fields) == 1 {
		off.Immediate = fields[0] == "0"
		return off, nil
	}
	clock, err := parseClock(fields[1])
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q: %v", ErrParseFailure, expr, err)
	}
	off.Clock = clock
	off.HasClock = true
	return off, nil
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("clock %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %q out of range", mm)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Duration is the literal parser semantics: days*86400s plus the clock part.
// It is the ordering key for messages inside a document.
func (o Offset) Duration() time.Duration {
	return time.Duration(o.Days)*24*time.Hour + o.Clock
}

// SendAt resolves the absolute send time against the event start.
// Bare counts are multiplied by bareUnit (DefaultBareUnit when <= 0).
func (o Offset) SendAt(eventStart, now time.Time, bareUnit time.Duration) time.Time {
	if o.Immediate {
		return now.Add(ImmediateDelay)
	}
	if o.HasClock {
		day := eventStart.AddDate(0, 0, o.Days)
		y, mo, d := day.Date()
		h := int(o.Clock / time.Hour)
		m := int(o.Clock % time.Hour / time.Minute)
		return time.Date(y, mo, d, h, m, 0, 0, eventStart.Location())
	}
	if bareUnit <= 0 {
		bareUnit = DefaultBareUnit
	}
	return eventStart.Add(time.Duration(o.Days) * bareUnit)
}

// SortKey returns the ordering duration for expr. Unparseable expressions sort
// as zero, matching how they were ordered before validation existed.
func SortKey(expr string) time.Duration {
	off, err := ParseOffset(expr)
	if err != nil {
		return 0
	}
	return off.Duration()
}
