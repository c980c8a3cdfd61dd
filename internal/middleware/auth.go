package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// Capabilities is what the caller's role allows on queue entries. Resolved
// once here at the boundary; handlers check flags instead of role strings.
type Capabilities struct {
	CanRemoveWithRefund    bool // requester cancelling their own entry
	CanRemoveWithoutRefund bool // venue staff pulling any entry, no refund
}

func capabilitiesForRole(role string) Capabilities {
	switch role {
	case "staff", "admin":
		return Capabilities{CanRemoveWithRefund: true, CanRemoveWithoutRefund: true}
	default:
		return Capabilities{CanRemoveWithRefund: true}
	}
}

// AuthMiddleware trusts the identity asserted by an externally issued bearer
// token; it never derives or refreshes one.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		userID, role, err := validateToken(parts[1])
		if err != nil || userID == "" {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", userID)
		ctx = context.WithValue(ctx, "capabilities", capabilitiesForRole(role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", err
	}

	userID := fmt.Sprintf("%v", claims["user_id"])
	role, _ := claims["role"].(string)
	return userID, role, nil
}
