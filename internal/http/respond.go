package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeText sends a plain-text response, used by the ad-network callback
// whose contract is not JSON.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// jsonAmount renders a decimal as a raw JSON number so balances keep their
// exact representation on the wire.
func jsonAmount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
