package session

import (
	"context"
	"errors"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Roles carried in the "role" claim.
const (
	RoleOperator = "operator"
	RoleVisitor  = "visitor"
)

// Principal is the authenticated identity behind a request.
type Principal struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// IsOperator reports whether the principal acts as an operator.
func (p Principal) IsOperator() bool { return p.Role == RoleOperator }

// Verifier authenticates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Manager issues and verifies PASETO v4.public access tokens.
type Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	now       func() time.Time

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewManager builds a Manager from cfg. A secret key enables Issue; a public key alone gives a
// verify-only manager.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.public = secret.Public()
		m.canIssue = true
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	return m, nil
}

// PublicKeyHex exports the verification key.
func (m *Manager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue signs a token for userID acting as role.
func (m *Manager) Issue(userID, role string, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, errors.New("session: manager is verify-only")
	}
	if strings.TrimSpace(userID) == "" || (role != RoleOperator && role != RoleVisitor) {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(userID)
	_ = tok.Set("role", role)

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify checks signature, issuer, validity window and the role claim.
func (m *Manager) Verify(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	// Validate slightly in the future so a small nbf drift does not fail.
	validNow := m.now().Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, ErrInvalidToken
	}
	role, err := parsed.GetString("role")
	if err != nil || (role != RoleOperator && role != RoleVisitor) {
		return Principal{}, ErrInvalidToken
	}
	exp, _ := parsed.GetExpiration()

	return Principal{UserID: sub, Role: role, ExpiresAt: exp}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
