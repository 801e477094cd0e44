package supervisor

import (
	"regexp"
	"strconv"
	"time"
)

// isoDurationPattern parses the subset of ISO-8601 durations BPMN timer
// definitions commonly use: PnDTnHnMnS, with every component optional.
var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// resolveTimerDue interprets a TimerDue expression
// as either an absolute RFC3339 instant or an ISO-8601 duration relative to
// now, falling back to a bare integer count of seconds.
func resolveTimerDue(raw string, now time.Time) time.Time {
	if raw == "" {
		return now
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if m := isoDurationPattern.FindStringSubmatch(raw); m != nil {
		days := atoiOr(m[1])
		hours := atoiOr(m[2])
		minutes := atoiOr(m[3])
		seconds := atoiOr(m[4])
		d := time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
		return now.Add(d)
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return now.Add(time.Duration(secs) * time.Second)
	}
	return now
}

func atoiOr(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
