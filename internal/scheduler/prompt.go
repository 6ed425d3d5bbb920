package scheduler

import (
	"sort"
	"strings"
)

// PromptSection is one named, priority-ranked slice of an agent's next
// prompt (spec.md §4.6 step 2: "current state, system prompt, working
// memory, last action result, action-history ring, failure history,
// metacognitive notes, RAG memories, observation of the world, mint
// submissions, and the action schema"). Grounded on the pack's JIT
// prompt compiler idiom: numbered-priority atoms greedily fit under a
// token budget, skeleton (priority >= SkeletonPriority) sections always
// included, flesh sections dropped lowest-priority-first once the
// budget runs out.
type PromptSection struct {
	Name     string
	Priority int // 0-100, higher assembles first and survives budget cuts longest
	Text     string
	Disabled bool
}

// SkeletonPriority is the threshold above which a section is mandatory
// and is never dropped for budget, mirroring the compiler's
// skeleton/flesh split.
const SkeletonPriority = 90

// estimateTokens is the same chars/4 heuristic the pack's prompt
// compiler uses as a fast stand-in for a real tokenizer.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assemble sorts sections by descending priority, always keeps every
// skeleton section, and greedily fits flesh sections under budget. The
// "system_prompt" section (if present and enabled) is split out and
// returned separately since the model API takes it out-of-band from
// the user turn.
func Assemble(sections []PromptSection, budget int) (system, userTurn string, tokensUsed int) {
	ordered := make([]PromptSection, 0, len(sections))
	for _, s := range sections {
		if !s.Disabled && strings.TrimSpace(s.Text) != "" {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var systemParts []string
	var parts []string
	for _, s := range ordered {
		cost := estimateTokens(s.Text)
		if s.Name == "system_prompt" {
			systemParts = append(systemParts, s.Text)
			tokensUsed += cost
			continue
		}
		if s.Priority < SkeletonPriority && budget > 0 && tokensUsed+cost > budget {
			continue
		}
		parts = append(parts, "## "+s.Name+"\n"+s.Text)
		tokensUsed += cost
	}

	return strings.Join(systemParts, "\n\n"), strings.Join(parts, "\n\n"), tokensUsed
}
