package types

import "time"

// ProgressMessage is the backend progress payload, shared by the SSE stream
// and the polling endpoint. Chunk-based jobs fill the *_chunks pair,
// item-based jobs the *_items pair.
type ProgressMessage struct {
	SessionID        string          `json:"session_id,omitempty"`
	Status           string          `json:"status,omitempty"`
	ProcessedChunks  *int            `json:"processed_chunks,omitempty"`
	TotalChunks      *int            `json:"total_chunks,omitempty"`
	ProcessedItems   *int            `json:"processed_items,omitempty"`
	TotalItems       *int            `json:"total_items,omitempty"`
	CurrentStep      string          `json:"current_step,omitempty"`
	Message          string          `json:"message,omitempty"`
	Results          []OutcomeRecord `json:"results,omitempty"`
	Error            string          `json:"error,omitempty"`
	DerivedSessionID string          `json:"derived_session_id,omitempty"`
	DerivedKind      string          `json:"derived_kind,omitempty"`
}

// OutcomeRecord is one per-node (or per-chunk) result line.
type OutcomeRecord struct {
	NodeID  string `json:"node_id,omitempty"`
	Name    string `json:"name,omitempty"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Latency int    `json:"latency_ms,omitempty"`
}

type ProgressSnapshot struct {
	SessionID      string          `json:"session_id"`
	Status         SessionStatus   `json:"status"`
	UnitsDone      int             `json:"units_done"`
	UnitsTotal     int             `json:"units_total"`
	Percent        int             `json:"percent"`
	CurrentLabel   string          `json:"current_label,omitempty"`
	TailResults    []OutcomeRecord `json:"tail_results,omitempty"`
	Error          string          `json:"error,omitempty"`
	ConnectionLost bool            `json:"connection_lost,omitempty"`
	Final          bool            `json:"final,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Percent derives round(100*done/max(total,1)) clamped to [0,100].
func Percent(done, total int) int {
	if total < 1 {
		total = 1
	}
	if done <= 0 {
		return 0
	}
	pct := (200*done + total) / (2 * total)
	if pct > 100 {
		return 100
	}
	return pct
}

func (s ProgressSnapshot) Clone() ProgressSnapshot {
	out := s
	if s.TailResults != nil {
		out.TailResults = append([]OutcomeRecord(nil), s.TailResults...)
	}
	return out
}

// SyncResult is the terminal body returned by a synchronous operation.
type SyncResult struct {
	Kind              SessionKind     `json:"kind"`
	Added             int             `json:"added,omitempty"`
	SkippedDuplicates int             `json:"skipped_duplicates,omitempty"`
	Succeeded         int             `json:"succeeded,omitempty"`
	Failed            int             `json:"failed,omitempty"`
	Results           []OutcomeRecord `json:"results,omitempty"`
	Message           string          `json:"message,omitempty"`
}
