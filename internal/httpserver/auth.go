package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextAccountIDKey = "account_id"
	contextRolesKey     = "account_roles"
	roleAdmin           = "admin"
)

type accountClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// authMiddleware validates the HS256 bearer token and exposes the caller's
// account id and roles to handlers. The token subject is the account id.
func authMiddleware(signingKey string, issuer string) gin.HandlerFunc {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(signingKey), nil
	}
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		rawToken, found := strings.CutPrefix(header, "Bearer ")
		if !found || rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &accountClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, keyFunc, parserOptions...)
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextAccountIDKey, claims.Subject)
		ctx.Set(contextRolesKey, claims.Roles)
		ctx.Next()
	}
}

// requireRole gates a route group on one of the token's roles.
func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rolesValue, _ := ctx.Get(contextRolesKey)
		roles, _ := rolesValue.([]string)
		for _, granted := range roles {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
	}
}

func callerAccountID(ctx *gin.Context) string {
	value, _ := ctx.Get(contextAccountIDKey)
	accountID, _ := value.(string)
	return accountID
}
