package server

import (
	"errors"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	obscontext "github.com/smallbiznis/trustscan/internal/observability/context"
)

const (
	HeaderDeviceID     = "X-Device-Id"
	contextIdentityKey = "identity"
	contextAccountKey  = "account_id"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// identity is who the caller is. A user whose token has expired keeps their
// account key but is not Authenticated.
type identity struct {
	AccountID     string
	Kind          ledgerdomain.AccountKind
	Email         string
	Authenticated bool
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Identify resolves the caller from a bearer token or a device header.
// Requests with neither pass through without an identity.
func (s *Server) Identify() gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	secret := []byte(s.cfg.AuthJWTSecret)

	return func(c *gin.Context) {
		var id *identity
		if raw, ok := bearerToken(c.GetHeader("Authorization")); ok {
			resolved, err := s.identifyToken(parser, secret, raw)
			if err != nil {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			id = resolved
		} else if device := strings.TrimSpace(c.GetHeader(HeaderDeviceID)); device != "" {
			if !deviceIDPattern.MatchString(device) {
				AbortWithError(c, newValidationError("device_id", "invalid_device_id", "invalid device id"))
				return
			}
			id = &identity{
				AccountID: ledgerdomain.AccountKey(ledgerdomain.AccountKindDevice, device),
				Kind:      ledgerdomain.AccountKindDevice,
			}
		}

		if id != nil {
			c.Set(contextIdentityKey, id)
			c.Set(contextAccountKey, id.AccountID)
			c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), id.AccountID))
		}
		c.Next()
	}
}

func (s *Server) identifyToken(parser *jwt.Parser, secret []byte, raw string) (*identity, error) {
	if len(secret) == 0 {
		return nil, ErrUnauthorized
	}
	claims := &tokenClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	expired := errors.Is(err, jwt.ErrTokenExpired)
	if err != nil && !expired {
		return nil, err
	}
	if token == nil || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrUnauthorized
	}
	return &identity{
		AccountID:     ledgerdomain.AccountKey(ledgerdomain.AccountKindUser, claims.Subject),
		Kind:          ledgerdomain.AccountKindUser,
		Email:         strings.TrimSpace(claims.Email),
		Authenticated: !expired,
	}, nil
}

// IdentityRequired rejects callers without a valid session or device id.
func IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityFrom(c)
		if id == nil || (id.Kind == ledgerdomain.AccountKindUser && !id.Authenticated) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) *identity {
	v, ok := c.Get(contextIdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*identity)
	return id
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
