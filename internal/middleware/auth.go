package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/spf13/viper"
)

// Principal is the identity resolved from a bearer token. The role is parsed
// into the closed set here, at the trust boundary, so that no business logic
// ever compares role strings.
type Principal struct {
	UserID string
	Role   models.Role
}

type contextKey string

const principalKey contextKey = "principal"

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Extract token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		principal, err := resolvePrincipal(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the authenticated principal stored by
// AuthMiddleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func resolvePrincipal(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("token not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected claims type")
	}

	userID := fmt.Sprintf("%v", claims["user_id"])
	if userID == "" || userID == "<nil>" {
		return Principal{}, fmt.Errorf("missing user_id claim")
	}

	role, ok := models.ParseRole(fmt.Sprintf("%v", claims["role"]))
	if !ok {
		return Principal{}, fmt.Errorf("unknown role claim")
	}

	return Principal{UserID: userID, Role: role}, nil
}
