package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// GetClientID возвращает client_id из контекста (устанавливается RequireClientID).
func GetClientID(ctx context.Context) string {
	v, _ := ctx.Value(ClientIDKey).(string)
	return v
}

// RequireClientID берёт client_id из query (?client_id=) или заголовка X-Client-Id. 400, если пусто.
func RequireClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("client_id"))
		if id == "" {
			id = strings.TrimSpace(r.Header.Get("X-Client-Id"))
		}
		if id == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClientIDKey, id)))
	})
}
