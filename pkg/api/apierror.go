// Package api implements the REST surface of ReceiptGate: decode,
// validate, call the domain engine, encode. Every handler here is a thin
// adapter onto pkg/obligation, pkg/inbox, pkg/chain and pkg/search; none
// of them touch the store directly.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/gateerror"
)

// WriteError writes spec.md §6.1/§7's error envelope:
// {ok:false, error:{code, message, details?}}.
func WriteError(w http.ResponseWriter, gerr *gateerror.Error) {
	if gerr.Code == gateerror.CodeInternal {
		slog.Error("internal error", "message", gerr.Message)
	}
	resp := contracts.ErrorResponse{
		OK: false,
		Error: contracts.ErrorObject{
			Code:    string(gerr.Code),
			Message: gerr.Message,
			Details: gerr.Details,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a 2xx JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteMethodNotAllowed writes the 405 case ServeMux's method patterns
// don't cover directly (a path matched but under a different verb).
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, gateerror.New(gateerror.CodeValidation, http.StatusMethodNotAllowed, "method not allowed"))
}
