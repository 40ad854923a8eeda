package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Received acknowledges a webhook delivery. Platforms retry anything that
// is not a 2xx, so every delivery that must not be retried gets one.
type Received struct {
	Received bool   `json:"received"`
	Type     string `json:"type,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WriteReceived writes a 200 acknowledgement.
func WriteReceived(w http.ResponseWriter, ack Received) {
	ack.Received = true
	WriteJSON(w, http.StatusOK, ack)
}
