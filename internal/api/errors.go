package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"EscrowLedger/internal/escrow"
)

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	switch escrow.Kind(err) {
	case "unauthorized":
		return http.StatusForbidden
	case "wrong_state", "reentrant":
		return http.StatusConflict
	case "invalid_address", "zero_amount":
		return http.StatusBadRequest
	case "limit_exceeded", "limit_below_total":
		return http.StatusUnprocessableEntity
	case "transfer_failed", "sink_failed":
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
