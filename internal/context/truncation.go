package context

import "github.com/agentrund/agentrund/pkg/models"

// EmergencyTruncate drops the oldest messages until the remainder fits
// within maxTokens, always keeping msgs[0] (the compaction summary or
// system prompt, when present) and the last keepLast messages. It is the
// fallback Manager.Prepare uses when compaction fails (see compaction.go)
// — lossy, but it guarantees the next provider call does not overflow.
func EmergencyTruncate(msgs []models.Message, maxTokens, keepLast int) ([]models.Message, int) {
	if len(msgs) == 0 {
		return msgs, 0
	}
	if keepLast < 0 {
		keepLast = 0
	}

	pinned := map[int]bool{0: true}
	for i := len(msgs) - keepLast; i < len(msgs); i++ {
		if i >= 0 {
			pinned[i] = true
		}
	}

	total := EstimateMessagesTokens(msgs)
	if total <= maxTokens {
		return msgs, 0
	}

	kept := make([]bool, len(msgs))
	keptTokens := 0
	for i, m := range msgs {
		if pinned[i] {
			kept[i] = true
			keptTokens += EstimateTokens(m) + 4
		}
	}

	// Walk from the most recent unpinned message backwards, keeping
	// whatever still fits the budget.
	for i := len(msgs) - 1; i >= 0; i-- {
		if kept[i] {
			continue
		}
		cost := EstimateTokens(msgs[i]) + 4
		if keptTokens+cost > maxTokens {
			continue
		}
		kept[i] = true
		keptTokens += cost
	}

	dropped := 0
	out := make([]models.Message, 0, len(msgs))
	for i, m := range msgs {
		if kept[i] {
			out = append(out, m)
		} else {
			dropped++
		}
	}
	return out, dropped
}
