// Package auth issues and validates the signed session cookies the API
// uses, and resolves a session's email into an access identity: whether
// the identity domain is authoritative and whether the account is an
// administrator.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailarchive/internal/access"
)

const cookieName = "mailarchive_session"

type Manager struct {
	secret []byte
	maxAge time.Duration

	authoritativeDomains map[string]bool
	adminEmails          map[string]bool
}

func New(secret string, maxAge time.Duration, authoritativeDomains, adminEmails []string) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	m := &Manager{
		secret:               []byte(secret),
		maxAge:               maxAge,
		authoritativeDomains: make(map[string]bool, len(authoritativeDomains)),
		adminEmails:          make(map[string]bool, len(adminEmails)),
	}
	for _, domain := range authoritativeDomains {
		m.authoritativeDomains[strings.ToLower(strings.TrimSpace(domain))] = true
	}
	for _, email := range adminEmails {
		normalized, err := NormalizeEmail(email)
		if err != nil {
			return nil, fmt.Errorf("admin email %q: %w", email, err)
		}
		m.adminEmails[normalized] = true
	}
	return m, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Issue creates a signed session token for an email.
func (m *Manager) Issue(email string, now time.Time) (string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	payload := normalized + "|" + timestamp
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + m.sign(payload))), nil
}

// Parse validates a token and returns the session email.
func (m *Manager) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", errors.New("missing session token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", errors.New("invalid session token")
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", errors.New("invalid session token")
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return "", errors.New("session expired")
	}
	email, err := NormalizeEmail(parts[0])
	if err != nil {
		return "", errors.New("invalid session token")
	}
	return email, nil
}

// Identity resolves a session email into an access identity. Authority is
// a property of the email's domain; administration is per account and
// implies authority.
func (m *Manager) Identity(email string) *access.Identity {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil
	}
	_, domain, _ := strings.Cut(normalized, "@")
	admin := m.adminEmails[normalized]
	return &access.Identity{
		UID:           normalized,
		Email:         normalized,
		Authoritative: m.authoritativeDomains[domain] || admin,
		Admin:         admin,
	}
}

func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", errors.New("email must be valid")
	}
	return strings.ToLower(addr.Address), nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
