package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	clockSkew           = time.Minute
)

// AuthOptions configures token verification. A non-empty LocalSecret
// switches to HS256 and ignores the JWKS.
type AuthOptions struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	LocalSecret string
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewAuth(opts AuthOptions) *Auth {
	a := &Auth{
		jwks:        opts.JWKS,
		audience:    opts.Audience,
		issuer:      opts.Issuer,
		keyCacheTTL: opts.KeyCacheTTL,
		now:         time.Now,
	}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if opts.LocalSecret != "" {
		a.secret = []byte(opts.LocalSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	}
	return a
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization
// header. Every failure is an *domain.AuthError.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", invalidCredentials(err)
	}
	userID, err := a.UserIDFromToken(token)
	if err != nil {
		return "", invalidCredentials(err)
	}
	return userID, nil
}

// UserIDFromToken verifies a raw JWT and returns its subject.
func (a *Auth) UserIDFromToken(tokenStr string) (string, error) {
	parsed, err := a.parser.Parse(tokenStr, a.keyFor)
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// time claims are checked here instead of by the parser, with one
	// minute of clock skew either way
	now := a.now()
	late, early := now.Add(-clockSkew).Unix(), now.Add(clockSkew).Unix()
	if !claims.VerifyExpiresAt(late, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(early, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(early, false) {
		return "", errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

func invalidCredentials(err error) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &domain.AuthError{Code: domain.AuthInvalidCredentials, Err: err}
}

// IssueLocalToken signs an HS256 token for userID that Auth accepts when
// configured with the same secret and audience.
func IssueLocalToken(secret, audience, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("local auth secret is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
