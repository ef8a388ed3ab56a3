package session

import (
	"fmt"
	"math"
	"strings"
)

type progressStep struct {
	percent int
	message string
}

// progressTracker matches an ordered marker list against streamed text. Each
// marker counts once, only after every earlier marker has matched. A short
// tail of each stream is carried between chunks so a marker split across two
// reads is still found.
type progressTracker struct {
	markers []string
	matched int
	maxLen  int
	tails   map[NotificationKind]string
}

func newProgressTracker(markers []string) *progressTracker {
	t := &progressTracker{tails: make(map[NotificationKind]string)}
	for _, m := range markers {
		if m == "" {
			continue
		}
		t.markers = append(t.markers, m)
		if len(m) > t.maxLen {
			t.maxLen = len(m)
		}
	}
	return t
}

// observe consumes a chunk from one stream and returns the steps it completed,
// in order. One chunk may complete several markers.
func (t *progressTracker) observe(stream NotificationKind, text string) []progressStep {
	if t.matched >= len(t.markers) {
		return nil
	}

	window := t.tails[stream] + text
	var steps []progressStep
	offset := 0
	for t.matched < len(t.markers) {
		marker := t.markers[t.matched]
		idx := strings.Index(window[offset:], marker)
		if idx < 0 {
			break
		}
		offset += idx + len(marker)
		t.matched++
		steps = append(steps, progressStep{
			percent: t.percent(),
			message: fmt.Sprintf("Step %d/%d: %s", t.matched, len(t.markers), marker),
		})
	}

	keep := t.maxLen - 1
	start := len(window) - keep
	if start < offset {
		start = offset
	}
	if start < 0 {
		start = 0
	}
	t.tails[stream] = window[start:]
	return steps
}

func (t *progressTracker) percent() int {
	return int(math.Round(100 * float64(t.matched) / float64(len(t.markers))))
}
