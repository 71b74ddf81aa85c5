package usage

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrOracleUnavailable = errors.New("usage oracle unavailable")
	ErrUnparseable       = errors.New("usage output unparseable")
)

// Reading is one usage sample. Percent is the highest per-model value.
type Reading struct {
	Percent float64            `json:"percent"`
	ByModel map[string]float64 `json:"by_model,omitempty"`
	At      time.Time          `json:"at"`
}

// lines like "claude-opus-4-5: 20%" or "Opus: 20.5 %"
var usageLine = regexp.MustCompile(`([a-zA-Z0-9_-]+):\s*(\d+(?:\.\d+)?)\s*%`)

// ParseUsage extracts per-model percentages from raw oracle output.
// It never panics; unknown formats yield ErrUnparseable.
func ParseUsage(raw string) (Reading, error) {
	if strings.TrimSpace(raw) == "" {
		return Reading{}, fmt.Errorf("%w: empty output", ErrUnparseable)
	}
	byModel := map[string]float64{}
	for _, m := range usageLine.FindAllStringSubmatch(raw, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil || v < 0 {
			continue
		}
		byModel[m[1]] = v
	}
	if len(byModel) == 0 {
		return Reading{}, fmt.Errorf("%w: no percentage entries in %q", ErrUnparseable, clip(raw, 120))
	}
	r := Reading{ByModel: byModel}
	first := true
	for _, v := range byModel {
		if first || v > r.Percent {
			r.Percent = v
			first = false
		}
	}
	return r, nil
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
