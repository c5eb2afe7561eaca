package collector

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

// durationRe matches one <number><unit> segment. The two-letter units must
// come first so "ms" is not read as minutes followed by a stray 's'.
var durationRe = regexp.MustCompile(`(\d+(?:\.\d+)?)(us|ms|[wdhms])`)

var unitSeconds = map[string]float64{
	"w":  604800,
	"d":  86400,
	"h":  3600,
	"m":  60,
	"s":  1,
	"ms": 1e-3,
	"us": 1e-6,
}

// ParseDuration converts a RouterOS duration such as "1w2d3h4m5s" or "2.5s"
// into seconds.
func ParseDuration(raw string) (float64, error) {
	if raw == "" {
		return 0, &routeros.ProtocolError{Message: "empty duration"}
	}
	matches := durationRe.FindAllStringSubmatchIndex(raw, -1)
	if matches == nil {
		return 0, &routeros.ProtocolError{Message: fmt.Sprintf("unparseable duration %q", raw)}
	}

	var total float64
	end := 0
	for _, m := range matches {
		if m[0] != end {
			return 0, &routeros.ProtocolError{Message: fmt.Sprintf("unparseable duration %q", raw)}
		}
		end = m[1]
		value, err := strconv.ParseFloat(raw[m[2]:m[3]], 64)
		if err != nil {
			return 0, &routeros.ProtocolError{Message: fmt.Sprintf("unparseable duration %q", raw)}
		}
		total += value * unitSeconds[raw[m[4]:m[5]]]
	}
	if end != len(raw) {
		return 0, &routeros.ProtocolError{Message: fmt.Sprintf("unparseable duration %q", raw)}
	}
	return total, nil
}
