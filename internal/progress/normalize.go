package progress

import (
	"strings"

	"nodectl/internal/types"
)

// Reading is one progress message mapped onto the transport-agnostic
// counters. Chunk counters win over item counters when both are present.
type Reading struct {
	Status     types.SessionStatus
	UnitsDone  int
	UnitsTotal int
	Label      string
	Results    []types.OutcomeRecord
	Error      string
}

func Normalize(msg types.ProgressMessage) Reading {
	done, total := msg.ProcessedItems, msg.TotalItems
	if msg.ProcessedChunks != nil || msg.TotalChunks != nil {
		done, total = msg.ProcessedChunks, msg.TotalChunks
	}
	reading := Reading{
		Status:     types.SessionStatusRunning,
		UnitsTotal: 1,
		Label:      strings.TrimSpace(msg.CurrentStep),
		Results:    msg.Results,
		Error:      strings.TrimSpace(msg.Error),
	}
	if status, ok := types.ParseSessionStatus(msg.Status); ok {
		reading.Status = status
	}
	if done != nil && *done > 0 {
		reading.UnitsDone = *done
	}
	if total != nil && *total > 1 {
		reading.UnitsTotal = *total
	}
	if reading.Label == "" {
		reading.Label = strings.TrimSpace(msg.Message)
	}
	return reading
}

// mergeTail prepends results newest-first and caps the tail at limit.
func mergeTail(tail, results []types.OutcomeRecord, limit int) []types.OutcomeRecord {
	if len(results) == 0 {
		return tail
	}
	out := make([]types.OutcomeRecord, 0, len(results)+len(tail))
	for i := len(results) - 1; i >= 0; i-- {
		out = append(out, results[i])
	}
	out = append(out, tail...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
