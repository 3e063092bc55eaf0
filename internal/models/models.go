package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

type User struct {
	ID            uuid.UUID
	Email         string
	EmailVerified bool
	PassHash      []byte
	Role          Role
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
	DeletedAt     *time.Time
}

// * HasPassword сообщает, есть ли у пользователя парольный способ входа.
func (u *User) HasPassword() bool {
	return len(u.PassHash) > 0
}

type OAuthAccount struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Provider       Provider
	ProviderUserID string
	CreatedAt      time.Time
}

type RevokeReason string

const (
	RevokeReasonRotated  RevokeReason = "rotated"
	RevokeReasonLogout   RevokeReason = "logout"
	RevokeReasonSecurity RevokeReason = "security"
)

type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TokenHash     []byte
	IssuedAt      time.Time
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	UserAgent     string
	IPAddress     string
	RevokedAt     *time.Time
	RevokedReason RevokeReason
}

// * Active проверяет, действителен ли токен (не отозван и не истек)
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// TokenMeta is audit metadata captured when a refresh token is issued.
type TokenMeta struct {
	UserAgent string
	IPAddress string
}

type VerificationPurpose string

const PurposeRegister VerificationPurpose = "register"

type EmailVerificationCode struct {
	ID        uuid.UUID
	Email     string
	Purpose   VerificationPurpose
	CodeHash  []byte
	CodeSalt  []byte
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

func (c *EmailVerificationCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// * Active проверяет, активен ли код (не использован и не истек)
func (c *EmailVerificationCode) Active(now time.Time) bool {
	return c.UsedAt == nil && !c.Expired(now)
}

// OAuthHandshake is the transient state kept between authorize and callback.
type OAuthHandshake struct {
	Provider     Provider `json:"provider"`
	Nonce        string   `json:"nonce"`
	CodeVerifier string   `json:"code_verifier,omitempty"`
}

// Message is the payload published for the email-sender consumer.
type Message struct {
	Email   string `json:"to"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}
