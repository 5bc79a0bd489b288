package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AdminCredentials - единственная учетка админки, пароль хранится bcrypt-хэшем в конфиге.
type AdminCredentials struct {
	Username     string
	PasswordHash string
}

type AuthService struct {
	// Проверка токенов (RS256) для middleware
	*auth.BaseValidator

	admin      AdminCredentials
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	now        func() time.Time
}

func NewAuthService(admin AdminCredentials, privateKey *rsa.PrivateKey, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey),
		admin:         admin,
		privateKey:    privateKey,
		ttl:           ttl,
		now:           time.Now,
	}
}

func (s *AuthService) GenerateToken(_ context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	if s.admin.PasswordHash == "" || username != s.admin.Username {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(s.admin.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Claims: администратор получает оба скоупа
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: username,
		Scopes: map[string]bool{domain.ScopeRead: true, domain.ScopeAdmin: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    domain.TokenIssuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись закрытым ключом (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
