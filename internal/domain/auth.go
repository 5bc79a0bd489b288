package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer - iss токенов админки; токены других издателей не принимаются
const TokenIssuer = "rooms-watchdog"

// Скоупы админского контура сторожа
const (
	ScopeRead  = "watchdog.read"  // status, check
	ScopeAdmin = "watchdog.admin" // start/stop, wipe, reset, санкционированная запись
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "watchdog.admin": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
