package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role identifies what a caller is allowed to do.
type Role string

// Platform roles.
const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAgent      Role = "agent"
	RoleAdmin      Role = "admin"
)

type contextKey string

const contextKeyClaims contextKey = "paylock/claims"

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject uuid.UUID
	Role    Role
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool { return c != nil && c.Role == RoleAdmin }

// Verifier validates bearer tokens and extracts claims.
type Verifier struct {
	secret    []byte
	issuer    string
	leeway    time.Duration
	roleClaim string
	now       func() time.Time
}

// NewVerifier constructs an HS256 verifier.
func NewVerifier(secret []byte, issuer string, now func() time.Time) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:    append([]byte(nil), secret...),
		issuer:    issuer,
		leeway:    30 * time.Second,
		roleClaim: "role",
		now:       now,
	}, nil
}

// Verify parses and validates a bearer token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid token")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, errors.New("auth: subject claim is required")
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("auth: subject is not a valid identifier: %w", err)
	}
	roleValue, _ := claims[v.roleClaim].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleValue)))
	switch role {
	case RoleClient, RoleFreelancer, RoleAgent, RoleAdmin:
	default:
		return nil, fmt.Errorf("auth: unknown role %q", roleValue)
	}
	return &Claims{Subject: userID, Role: role}, nil
}

// IssueToken mints a signed token for the given identity. Used by tests and
// operational tooling; the production identity provider issues real tokens.
func (v *Verifier) IssueToken(subject uuid.UUID, role Role, ttl time.Duration) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       v.issuer,
		"sub":       subject.String(),
		v.roleClaim: string(role),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

// Authenticate validates the Authorization header and attaches the resulting
// claims to the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("auth: missing identity in context")
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
