package handlers

import (
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
)

func RegisterHealthRoutes(r *xhttp.Router) {
	r.GET("/health", GetHealth)
}

// GetHealth is a liveness check; it never touches dependencies.
func GetHealth(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, map[string]string{"status": "ok"})
}
