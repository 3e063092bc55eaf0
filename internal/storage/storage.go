package storage

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrOAuthAccountNotFound = errors.New("oauth account not found")
	ErrOAuthAccountExists   = errors.New("oauth account already exists")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrCodeNotFound         = errors.New("verification code not found")
	ErrHandshakeNotFound    = errors.New("oauth handshake state not found")
)
