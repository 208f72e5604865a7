package api

import (
	"encoding/json"
	"net/http"
)

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, data interface{}, meta interface{}) {
	response := map[string]interface{}{
		"success": true,
		"data":    data,
	}
	if meta != nil {
		response["meta"] = meta
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, status int, message string, details string) {
	response := map[string]interface{}{
		"success": false,
		"message": message,
	}
	if details != "" {
		response["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// WriteInternalError writes an internal server error response
func WriteInternalError(w http.ResponseWriter, message string, details string) {
	writeError(w, http.StatusInternalServerError, message, details)
}

// WriteBadRequest writes a bad request response
func WriteBadRequest(w http.ResponseWriter, message string, details string) {
	writeError(w, http.StatusBadRequest, message, details)
}

// WriteNotFound writes a not found response
func WriteNotFound(w http.ResponseWriter, message string, details string) {
	writeError(w, http.StatusNotFound, message, details)
}
