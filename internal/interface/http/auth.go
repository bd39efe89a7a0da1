package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY
// The student and academy come from a bearer token issued by the identity
// service. Request bodies never carry identity.
// ══════════════════════════════════════════════════════════════════════════════

// Claims are the token claims this API relies on. "sub" is the student.
type Claims struct {
	AcademyID string `json:"academy_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer skips the iss check.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for actor. Used by tests and local tooling.
func (a *Authenticator) Issue(actor shared.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		AcademyID: actor.AcademyID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.StudentID.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies a token and returns the actor it names.
func (a *Authenticator) Parse(tokenStr string) (shared.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return shared.Actor{}, shared.ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return shared.Actor{}, shared.ErrUnauthenticated
	}

	studentID, err := shared.NewStudentID(claims.Subject)
	if err != nil {
		return shared.Actor{}, shared.ErrUnauthenticated
	}
	academyID, err := shared.NewAcademyID(claims.AcademyID)
	if err != nil {
		return shared.Actor{}, shared.ErrUnauthenticated
	}
	return shared.Actor{StudentID: studentID, AcademyID: academyID}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, r, shared.ErrUnauthenticated)
			return
		}

		actor, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

type actorKey struct{}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor shared.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the authenticated actor.
func ActorFromContext(ctx context.Context) (shared.Actor, error) {
	actor, ok := ctx.Value(actorKey{}).(shared.Actor)
	if !ok {
		return shared.Actor{}, shared.ErrUnauthenticated
	}
	if err := actor.Validate(); err != nil {
		return shared.Actor{}, err
	}
	return actor, nil
}
