package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"certchain/pkg/domain"
)

// ErrUnauthenticated is returned when a request carries no valid identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// ActorResolver authenticates the caller of a request.
type ActorResolver interface {
	Resolve(r *http.Request) (domain.Actor, error)
}

// Claims is the token payload: the subject is the actor ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTActorResolver verifies HS256 bearer tokens. Tokens are issued elsewhere.
type JWTActorResolver struct {
	secret []byte
	issuer string
}

// NewJWTActorResolver returns a resolver checking signatures against secret
// and, when issuer is not empty, the iss claim.
func NewJWTActorResolver(secret []byte, issuer string) *JWTActorResolver {
	return &JWTActorResolver{secret: secret, issuer: issuer}
}

// Resolve parses the Authorization header.
func (j *JWTActorResolver) Resolve(r *http.Request) (domain.Actor, error) {
	raw, ok := parseBearer(r.Header.Get("Authorization"))
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return j.secret, nil }, opts...); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	actor := domain.Actor{ID: claims.Subject, Role: domain.Role(claims.Role)}
	if actor.ID == "" || !actor.Role.Valid() {
		return domain.Actor{}, fmt.Errorf("%w: token lacks subject or role", ErrUnauthenticated)
	}
	return actor, nil
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	return tok, tok != ""
}
