package security

import (
	"net/http"
	"strings"
	"time"

	"TratoChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by the middleware; downstream handlers read these.
const (
	CtxUserIDKey = "userID"
	CtxRoleKey   = "userRole"
)

var ErrTokenInvalid = errs.NewCodeError(401, "invalid or expired token")

type Options struct {
	HeaderToken               string // default "Authorization"
	EnableAuthorizationBearer bool   // default true
	Secret                    []byte
	// AllowQueryToken accepts ?token= for websocket upgrades, where
	// custom headers are awkward for browser clients.
	AllowQueryToken bool
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		HeaderToken:               "Authorization",
		EnableAuthorizationBearer: true,
		Secret:                    secret,
		AllowQueryToken:           true,
	}
}

type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for the user; the dev login endpoint and tests
// use it.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", errs.WrapMsg(err, "sign token", "user", userID)
	}
	return signed, nil
}

func parseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid.WrapMsg("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrTokenInvalid.Wrap()
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrTokenInvalid.WrapMsg("empty subject")
	}
	return claims, nil
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(nil)
	}
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		if opts.EnableAuthorizationBearer && raw != "" {
			if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
				raw = strings.TrimSpace(raw[len("bearer "):])
			}
		}
		if raw == "" && opts.AllowQueryToken {
			raw = strings.TrimSpace(c.Query("token"))
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrTokenInvalid)
			return
		}

		claims, err := parseToken(opts.Secret, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrTokenInvalid)
			return
		}

		c.Set(CtxUserIDKey, claims.UserID)
		if claims.Role != "" {
			c.Set(CtxRoleKey, claims.Role)
		}
		c.Next()
	}
}

// RequireRole guards the admin surface.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxRoleKey) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, errs.NewCodeError(403, "forbidden"))
			return
		}
		c.Next()
	}
}

// UserID reads the authenticated user set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
