// Package handlers agrupa handlers HTTP utilizados para testes e exemplo.
package handlers

import (
	"encoding/json"
	"net/http"
)

// TestHandler responde com uma mensagem simples para verificar o limiter.
func TestHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Request successful"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}
