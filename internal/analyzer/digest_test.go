package analyzer

import (
	"strings"
	"testing"
)

func TestTrimLongestFirstUnderLimit(t *testing.T) {
	got := trimLongestFirst([]int{100, 200, 300}, 1000)
	want := []int{100, 200, 300}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("under-limit input must pass through: got %v", got)
		}
	}
}

func TestTrimLongestFirstWaterfall(t *testing.T) {
	// The longest section is levelled to the runner-up first; once tied,
	// the leaders share the remaining cut. The shortest is untouched.
	got := trimLongestFirst([]int{2000, 500, 100}, 1000)
	if got[0] != 450 || got[1] != 450 || got[2] != 100 {
		t.Fatalf("expected [450 450 100], got %v", got)
	}
	if got[0]+got[1]+got[2] != 1000 {
		t.Fatalf("sum must equal the limit, got %d", got[0]+got[1]+got[2])
	}
}

func TestTrimLongestFirstLevelsEqually(t *testing.T) {
	got := trimLongestFirst([]int{600, 600, 600}, 900)
	for i, l := range got {
		if l != 300 {
			t.Fatalf("equal sections must share the cut equally, section %d got %d (%v)", i, l, got)
		}
	}
}

func TestTrimLongestFirstTiedSectionsNeverZeroed(t *testing.T) {
	got := trimLongestFirst([]int{500, 500}, 400)
	if got[0]+got[1] != 400 {
		t.Fatalf("sum must equal the limit, got %v", got)
	}
	for i, l := range got {
		if l == 0 {
			t.Fatalf("section %d cut to empty while its sibling holds content: %v", i, got)
		}
	}
	if diff := got[0] - got[1]; diff < -1 || diff > 1 {
		t.Fatalf("tied sections must end within one unit of each other: %v", got)
	}
}

func TestTrimLongestFirstUnevenShareStaysFair(t *testing.T) {
	// Overflow not divisible by the tie count: the spare character lands on
	// one section, everything else stays level.
	got := trimLongestFirst([]int{100, 100, 100}, 200)
	sum := 0
	for _, l := range got {
		sum += l
		if l == 0 {
			t.Fatalf("no section may be zeroed: %v", got)
		}
	}
	if sum != 200 {
		t.Fatalf("sum must equal the limit, got %d (%v)", sum, got)
	}
	for i := range got {
		for j := range got {
			if diff := got[i] - got[j]; diff < -1 || diff > 1 {
				t.Fatalf("sections %d and %d differ by more than one: %v", i, j, got)
			}
		}
	}
}

func TestTrimLongestFirstZeroLimit(t *testing.T) {
	got := trimLongestFirst([]int{10, 20}, 0)
	if got[0] != 0 || got[1] != 0 {
		t.Fatalf("zero limit must empty everything, got %v", got)
	}
}

func TestTrimLongestFirstDoesNotMutateInput(t *testing.T) {
	in := []int{2000, 500}
	trimLongestFirst(in, 100)
	if in[0] != 2000 || in[1] != 500 {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestBuildDigestSections(t *testing.T) {
	bundle := &EvidenceBundle{
		Ticker: "SBER",
		Items: []Evidence{
			{Source: "moex_history", Status: StatusOK, Content: "TRADEDATE\tCLOSE\n2025-03-13\t310"},
			{Source: "news", Status: StatusNoData},
			{Source: "ifrs", Status: StatusUnavailable, Reason: "HTTP 500"},
		},
	}
	digest := BuildDigest(bundle, 6000)

	for _, want := range []string{
		"### moex_history",
		"2025-03-13\t310",
		"### news",
		"no data for this ticker",
		"### ifrs",
		"source unavailable: HTTP 500",
	} {
		if !strings.Contains(digest, want) {
			t.Fatalf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestBuildDigestRespectsCap(t *testing.T) {
	bundle := &EvidenceBundle{
		Ticker: "SBER",
		Items: []Evidence{
			{Source: "moex_history", Status: StatusOK, Content: strings.Repeat("a", 5000)},
			{Source: "news", Status: StatusOK, Content: strings.Repeat("b", 300)},
		},
	}
	const maxLen = 1000
	digest := BuildDigest(bundle, maxLen)

	if len([]rune(digest)) > maxLen+10 { // small slack for the ellipsis markers
		t.Fatalf("digest exceeds cap: %d runes", len([]rune(digest)))
	}
	// The shorter section survives intact; only the runaway one is cut.
	if !strings.Contains(digest, strings.Repeat("b", 300)) {
		t.Fatal("short section must not be trimmed")
	}
	if strings.Contains(digest, strings.Repeat("a", 5000)) {
		t.Fatal("long section must be trimmed")
	}
}
