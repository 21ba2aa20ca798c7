package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aifoundry-org/cardice/pkg/roster"
)

// nodeName zero-pads the index to at least three digits.
func nodeName(prefix string, index int) string {
	return fmt.Sprintf("%s%0*d", prefix, nameDigits, index)
}

func nodeNames(prefix string, first, count int) []string {
	names := make([]string, 0, count)
	for i := first; i < first+count; i++ {
		names = append(names, nodeName(prefix, i))
	}
	return names
}

// nodeIndex extracts the index of a name generated with prefix.
func nodeIndex(name, prefix string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, prefix)
	if !ok || len(suffix) < nameDigits {
		return 0, false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return index, true
}

// nextIndex is one past the highest index in use for prefix.
func nextIndex(entries []roster.Entry, prefix string) int {
	next := 0
	for _, e := range entries {
		if i, ok := nodeIndex(e.Name, prefix); ok && i >= next {
			next = i + 1
		}
	}
	return next
}

// withPrefix keeps the entries created with prefix, in roster order.
func withPrefix(entries []roster.Entry, prefix string) []roster.Entry {
	var out []roster.Entry
	for _, e := range entries {
		if _, ok := nodeIndex(e.Name, prefix); ok {
			out = append(out, e)
		}
	}
	return out
}
