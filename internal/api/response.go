package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse matches the wire shape clients already parse:
// {"error": true, "message": "..."}.
type errorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: true, Message: message})
}
