package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	claimSubject   = "sub"
	claimUsername  = "username"
	defaultRealm   = "ragdesk"
	tokenLifetime  = 24 * time.Hour
	ownerQueryKey  = "owner"
	ownerFormField = "owner_id"
)

// Principal is the caller identified by a verified token.
type Principal struct {
	ID       string
	Username string
}

// buildJWTMiddleware verifies bearer tokens issued elsewhere. There is no
// login route, so Authenticator always refuses.
func buildJWTMiddleware(secret, realm string) (*jwt.GinJWTMiddleware, error) {
	if strings.TrimSpace(realm) == "" {
		realm = defaultRealm
	}
	mw, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       realm,
		Key:         []byte(secret),
		Timeout:     tokenLifetime,
		MaxRefresh:  tokenLifetime,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if p, ok := data.(*Principal); ok {
				return jwt.MapClaims{identityKey: p.ID, claimUsername: p.Username}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			return principalFromClaims(jwt.ExtractClaims(c))
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			return nil, jwt.ErrFailedAuthentication
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			p, ok := data.(*Principal)
			return ok && p.ID != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, query: token, cookie: jwt",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("api: build jwt middleware: %w", err)
	}
	return mw, nil
}

func principalFromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{}
	for _, key := range []string{identityKey, claimSubject} {
		switch v := claims[key].(type) {
		case string:
			p.ID = strings.TrimSpace(v)
		case float64:
			p.ID = fmt.Sprintf("%.0f", v)
		}
		if p.ID != "" {
			break
		}
	}
	p.Username, _ = claims[claimUsername].(string)
	return p
}

// principal returns the verified caller, or nil when auth is disabled.
func principal(c *gin.Context) *Principal {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	p, _ := value.(*Principal)
	return p
}

// ownerFor picks the owner of a new record: the verified caller when there
// is one, else what the client supplied.
func ownerFor(c *gin.Context, supplied string) string {
	if p := principal(c); p != nil && p.ID != "" {
		return p.ID
	}
	return strings.TrimSpace(supplied)
}

// IssueToken signs a token for userID with secret. The API never issues
// tokens itself; this backs the token command of the CLI.
func IssueToken(secret, realm, userID, username string) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("api: jwt secret is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("api: user id is required")
	}
	mw, err := buildJWTMiddleware(secret, realm)
	if err != nil {
		return "", time.Time{}, err
	}
	return mw.TokenGenerator(&Principal{ID: strings.TrimSpace(userID), Username: username})
}
