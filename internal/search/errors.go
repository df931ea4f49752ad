package search

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnavailable wraps transport and server failures of the search backend.
var ErrUnavailable = errors.New("search unavailable")

// InvalidQueryError is returned when the backend rejects the query syntax.
type InvalidQueryError struct {
	Detail string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Detail)
}

type errorResponse struct {
	Error struct {
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		RootCause []struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"root_cause"`
		CausedBy *struct {
			Reason string `json:"reason"`
		} `json:"caused_by"`
	} `json:"error"`
}

func invalidQuery(body []byte) *InvalidQueryError {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &InvalidQueryError{Detail: string(body)}
	}
	detail := resp.Error.Reason
	if len(resp.Error.RootCause) > 0 && resp.Error.RootCause[0].Reason != "" {
		detail = resp.Error.RootCause[0].Reason
	}
	if resp.Error.CausedBy != nil && resp.Error.CausedBy.Reason != "" {
		detail = resp.Error.CausedBy.Reason
	}
	return &InvalidQueryError{Detail: detail}
}
