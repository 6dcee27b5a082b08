package types

type SelectionMode string

const (
	SelectionModeExplicit SelectionMode = "explicit"
	SelectionModeFiltered SelectionMode = "filtered"
)

// Target is what an operation applies to. In filtered mode it carries the
// filter and the exclusion overlay, never the matching ids.
type Target struct {
	Mode         SelectionMode     `json:"mode,omitempty"`
	IDs          []string          `json:"ids,omitempty"`
	Filter       map[string]string `json:"filter,omitempty"`
	ExcludeIDs   []string          `json:"exclude_ids,omitempty"`
	Count        int               `json:"count"`
	CountStale   bool              `json:"count_stale,omitempty"`
	PayloadBytes int               `json:"payload_bytes,omitempty"`
}

func (t Target) Empty() bool {
	switch t.Mode {
	case SelectionModeExplicit:
		return len(t.IDs) == 0
	case SelectionModeFiltered:
		return !t.CountStale && t.Count <= 0
	default:
		return t.PayloadBytes == 0 && t.Count == 0
	}
}

func (t Target) Clone() Target {
	out := t
	if t.IDs != nil {
		out.IDs = append([]string(nil), t.IDs...)
	}
	if t.ExcludeIDs != nil {
		out.ExcludeIDs = append([]string(nil), t.ExcludeIDs...)
	}
	if t.Filter != nil {
		out.Filter = make(map[string]string, len(t.Filter))
		for k, v := range t.Filter {
			out.Filter[k] = v
		}
	}
	return out
}

// Summary drops the id lists so the result is safe to persist.
func (t Target) Summary() Target {
	out := t.Clone()
	out.IDs = nil
	out.ExcludeIDs = nil
	return out
}
