package analyzer

import (
	"fmt"
	"strings"

	"moexadvisor/internal/datasource"
)

// digestOverheadPerSection reserves room for the section header and notes so
// the rendered digest stays near the configured cap.
const digestOverheadPerSection = 32

// BuildDigest renders an evidence bundle as the model-facing digest, one
// "### source" section per evidence item. When the combined OK content
// exceeds maxLen the longest sections are trimmed first, so a runaway
// source cannot crowd out the others.
func BuildDigest(bundle *EvidenceBundle, maxLen int) string {
	budget := maxLen - len(bundle.Items)*digestOverheadPerSection
	if budget < 0 {
		budget = 0
	}

	lengths := make([]int, len(bundle.Items))
	for i, e := range bundle.Items {
		if e.Status == StatusOK {
			lengths[i] = len([]rune(e.Content))
		}
	}
	lengths = trimLongestFirst(lengths, budget)

	var sb strings.Builder
	for i, e := range bundle.Items {
		fmt.Fprintf(&sb, "### %s\n", e.Source)
		switch e.Status {
		case StatusOK:
			sb.WriteString(datasource.Truncate(e.Content, lengths[i]))
		case StatusNoData:
			sb.WriteString("no data for this ticker")
		case StatusUnavailable:
			sb.WriteString("source unavailable")
			if e.Reason != "" {
				sb.WriteString(": " + e.Reason)
			}
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// trimLongestFirst reduces the lengths so their sum fits the limit. On each
// step every section at the current maximum is levelled down toward the
// runner-up together; once the remaining cut fits inside that tied set it is
// shared evenly across it. Shorter sections lose nothing until every longer
// one has been levelled down to their size, and no section is cut to zero
// while a sibling still holds more.
func trimLongestFirst(lengths []int, limit int) []int {
	out := make([]int, len(lengths))
	copy(out, lengths)
	if limit < 0 {
		limit = 0
	}

	total := 0
	for _, l := range out {
		total += l
	}

	for total > limit {
		max := 0
		for _, l := range out {
			if l > max {
				max = l
			}
		}
		if max == 0 {
			break
		}
		second := 0
		ties := 0
		for _, l := range out {
			switch {
			case l == max:
				ties++
			case l > second:
				second = l
			}
		}

		overflow := total - limit
		if capacity := ties * (max - second); overflow >= capacity {
			// Level the whole tied set to the runner-up and go again.
			for i, l := range out {
				if l == max {
					out[i] = second
				}
			}
			total -= capacity
			continue
		}

		// The remaining cut fits inside the tied set: share it evenly so
		// tied sections end within one character of each other.
		base := overflow / ties
		extra := overflow % ties
		for i, l := range out {
			if l != max {
				continue
			}
			cut := base
			if extra > 0 {
				cut++
				extra--
			}
			out[i] -= cut
		}
		total = limit
	}
	return out
}
