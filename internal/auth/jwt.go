package auth

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/errors"
)

// Validator verifies bearer tokens against the configured secret and
// claim requirements. HS256 is the baseline; HS384/HS512 are accepted as
// configuration choices.
type Validator struct {
	secret         []byte
	algorithm      string
	issuer         string
	audience       string
	requiredClaims []string
	keyFunc        jwt.Keyfunc
}

// NewValidator creates a validator from JWT settings.
func NewValidator(cfg *config.JWTSettings) *Validator {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}

	v := &Validator{
		secret:         []byte(cfg.Secret),
		algorithm:      algorithm,
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		requiredClaims: cfg.RequiredClaims,
	}
	v.keyFunc = func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}
	return v
}

// Authenticate extracts and verifies the bearer token on a request.
// The returned error is one of the auth taxonomy errors, each mapping to
// 401.
func (v *Validator) Authenticate(r *http.Request) (jwt.MapClaims, *errors.GatewayError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.ErrAuthMissing
	}

	scheme, tokenString, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return nil, errors.ErrAuthMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, v.keyFunc, opts...)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, errors.ErrAuthSignatureInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrAuthMalformed
	}

	for _, name := range v.requiredClaims {
		if _, present := claims[name]; !present {
			return nil, errors.ErrAuthClaimMissing.WithMessage(
				fmt.Sprintf("Bearer token is missing required claim %q", name))
		}
	}

	return claims, nil
}

// classifyParseError maps jwt parse failures onto the auth taxonomy.
func classifyParseError(err error) *errors.GatewayError {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired),
		stderrors.Is(err, jwt.ErrTokenNotValidYet):
		return errors.ErrAuthExpired
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.ErrAuthSignatureInvalid
	case stderrors.Is(err, jwt.ErrTokenInvalidIssuer),
		stderrors.Is(err, jwt.ErrTokenInvalidAudience),
		stderrors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errors.ErrAuthClaimMissing
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return errors.ErrAuthMalformed
	default:
		return errors.ErrAuthSignatureInvalid
	}
}

// GenerateToken signs a token with the validator's secret. Used by tests
// and by operators minting short-lived credentials.
func (v *Validator) GenerateToken(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, val := range claims {
		mapClaims[k] = val
	}

	var method jwt.SigningMethod
	switch v.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", v.algorithm)
	}

	token := jwt.NewWithClaims(method, mapClaims)
	return token.SignedString(v.secret)
}
