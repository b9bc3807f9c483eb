package server

import (
	"encoding/json"
	"net/http"

	"github.com/xavierScript/kora-go/service/apierr"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcError is the JSON-RPC 2.0 error object with a stable numeric code.
type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeResponse(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, err *apierr.Error) {
	status := http.StatusOK
	switch err.Kind {
	case apierr.KindAuthRejected:
		status = http.StatusUnauthorized
	case apierr.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	writeResponse(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: err.Code(), Message: err.Message, Data: err.Data},
	})
}

func writeResponse(w http.ResponseWriter, status int, body rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Too late to change the response; nothing useful to do.
		_ = err
	}
}

// decodeParams accepts both named-object and single-element positional
// params forms.
func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return apierr.Wrap(apierr.KindInvalidParams, err, "invalid params")
		}
		if len(list) == 0 {
			return nil
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Wrap(apierr.KindInvalidParams, err, "invalid params")
	}
	return nil
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
