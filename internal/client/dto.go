package client

type CountRequest struct {
	Filter     map[string]string `json:"filter"`
	ExcludeIDs []string          `json:"exclude_ids,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ImportRequest struct {
	Data string `json:"data"`
}

// NodeOperationRequest carries either NodeIDs or Filter (with ExcludeIDs),
// never both.
type NodeOperationRequest struct {
	NodeIDs     []string          `json:"node_ids,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
	ExcludeIDs  []string          `json:"exclude_ids,omitempty"`
	TestType    string            `json:"test_type,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Action      string            `json:"action,omitempty"`
}

type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

type CancelResponse struct {
	OK              bool `json:"ok"`
	AlreadyTerminal bool `json:"already_terminal"`
}
