package dialogue

import (
	"github.com/ent0n29/callcore/internal/reasoning"
)

// group is the unit of history trimming. A tool batch (optional assistant
// preamble, every call of one model response, and all their results) is a
// single group, so a call is never kept without its result.
type group []reasoning.Item

// History is the ordered, group-structured conversation record.
type History struct {
	groups []group
	// turnStart indexes the group holding the current user turn; groups at
	// or after it are never trimmed.
	turnStart int
}

func (h *History) appendGroup(items ...reasoning.Item) {
	if len(items) == 0 {
		return
	}
	h.groups = append(h.groups, append(group(nil), items...))
}

func (h *History) beginTurn(text string) {
	h.appendGroup(reasoning.UserItem(text))
	h.turnStart = len(h.groups) - 1
}

// Items flattens the history into the order sent upstream.
func (h *History) Items() []reasoning.Item {
	n := 0
	for _, g := range h.groups {
		n += len(g)
	}
	out := make([]reasoning.Item, 0, n)
	for _, g := range h.groups {
		out = append(out, g...)
	}
	return out
}

func (h *History) Len() int { return len(h.groups) }

// Trim drops whole groups from the oldest end until the estimate fits the
// budget or only the current turn remains. It returns the groups removed.
func (h *History) Trim(instructions string, budget int) int {
	if budget <= 0 {
		return 0
	}
	total := EstimateTokens(instructions)
	for _, g := range h.groups {
		total += estimateGroup(g)
	}
	removed := 0
	for total > budget && removed < h.turnStart {
		total -= estimateGroup(h.groups[removed])
		removed++
	}
	if removed == 0 {
		return 0
	}
	h.groups = append([]group(nil), h.groups[removed:]...)
	h.turnStart -= removed
	return removed
}

// Estimate returns the approximate token size of instructions plus history.
func (h *History) Estimate(instructions string) int {
	total := EstimateTokens(instructions)
	for _, g := range h.groups {
		total += estimateGroup(g)
	}
	return total
}

// Restore rebuilds group structure from a flat item list, attaching tool
// calls and results to the assistant or tool group they follow.
func (h *History) Restore(items []reasoning.Item) {
	h.groups = nil
	h.turnStart = 0
	for _, it := range items {
		switch it.Kind {
		case reasoning.ItemToolCall, reasoning.ItemToolResult:
			if n := len(h.groups); n > 0 && h.groups[n-1][0].Kind != reasoning.ItemUser {
				h.groups[n-1] = append(h.groups[n-1], it)
				continue
			}
			h.appendGroup(it)
		case reasoning.ItemUser:
			h.appendGroup(it)
			h.turnStart = len(h.groups) - 1
		default:
			h.appendGroup(it)
		}
	}
}

// EstimateTokens is the usual four-characters-per-token heuristic. It is
// only suitable for soft limits.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func estimateGroup(g group) int {
	n := 0
	for _, it := range g {
		n += estimateItem(it)
	}
	return n
}

func estimateItem(it reasoning.Item) int {
	// Per-item framing overhead in the upstream chat format.
	const overhead = 4
	switch {
	case it.Call != nil:
		return overhead + EstimateTokens(it.Call.Name) + EstimateTokens(string(it.Call.Arguments))
	case it.Result != nil:
		return overhead + EstimateTokens(string(it.Result.Output))
	default:
		return overhead + EstimateTokens(it.Text)
	}
}
