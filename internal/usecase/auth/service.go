package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"podstrip/internal/domain"
)

// ErrInvalidToken возвращается при неизвестном, отозванном токене или неверном секрете.
var ErrInvalidToken = errors.New("invalid or missing feed token")

// ErrTooManyAttempts возвращается, когда клиент заблокирован лимитером неудач.
var ErrTooManyAttempts = errors.New("too many authentication attempts")

const (
	tokenIDBytes     = 16
	tokenSecretBytes = 24
)

// Service аутентифицирует токены доступа и управляет их жизненным циклом.
type Service struct {
	tokens  domain.TokenRepo
	limiter domain.AuthFailureLimiter
}

// NewService создаёт сервис токенов.
func NewService(tokens domain.TokenRepo, limiter domain.AuthFailureLimiter) *Service {
	return &Service{tokens: tokens, limiter: limiter}
}

// Authenticate проверяет пару token_id/секрет. Возвращает токен и, при
// ErrTooManyAttempts или ErrInvalidToken с бэкоффом, retry-after в секундах.
// Вид токена (combined или feed-scoped) определяется только полем FeedID
// результата, а не формой URL.
func (s *Service) Authenticate(tokenID, secret, clientID string) (domain.CapabilityToken, int, error) {
	if s.limiter != nil {
		retryAfter, err := s.limiter.RetryAfter(clientID)
		if err == nil && retryAfter > 0 {
			return domain.CapabilityToken{}, retryAfter, ErrTooManyAttempts
		}
	}

	token, err := s.tokens.GetByTokenID(tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return domain.CapabilityToken{}, s.registerFailure(clientID), ErrInvalidToken
		}
		return domain.CapabilityToken{}, 0, fmt.Errorf("получение токена: %w", err)
	}
	if token.Revoked || !verifySecret(token.SecretHash, secret) {
		return domain.CapabilityToken{}, s.registerFailure(clientID), ErrInvalidToken
	}

	if s.limiter != nil {
		_ = s.limiter.RegisterSuccess(clientID)
	}
	if err := s.tokens.TouchLastUsed(token.TokenID); err != nil {
		return domain.CapabilityToken{}, 0, fmt.Errorf("обновление last_used_at: %w", err)
	}
	return token, 0, nil
}

func (s *Service) registerFailure(clientID string) int {
	if s.limiter == nil {
		return 0
	}
	backoff, err := s.limiter.RegisterFailure(clientID)
	if err != nil {
		return 0
	}
	return backoff
}

// EnsureFeedToken возвращает действующий токен пары (user, feed),
// создавая его только если такого ещё нет. Токены переиспользуются,
// а не выпускаются на каждый запрос.
func (s *Service) EnsureFeedToken(userID, feedID int64) (domain.CapabilityToken, error) {
	return s.ensureToken(userID, &feedID)
}

// EnsureCombinedToken возвращает действующий общий токен пользователя.
func (s *Service) EnsureCombinedToken(userID int64) (domain.CapabilityToken, error) {
	return s.ensureToken(userID, nil)
}

func (s *Service) ensureToken(userID int64, feedID *int64) (domain.CapabilityToken, error) {
	existing, err := s.tokens.FindActiveToken(userID, feedID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrTokenNotFound) {
		return domain.CapabilityToken{}, fmt.Errorf("поиск токена: %w", err)
	}

	tokenID, err := randomString(tokenIDBytes)
	if err != nil {
		return domain.CapabilityToken{}, fmt.Errorf("генерация token_id: %w", err)
	}
	secret, err := randomString(tokenSecretBytes)
	if err != nil {
		return domain.CapabilityToken{}, fmt.Errorf("генерация секрета: %w", err)
	}

	created, err := s.tokens.CreateToken(domain.CapabilityToken{
		TokenID:    tokenID,
		SecretHash: HashSecret(secret),
		Secret:     secret,
		FeedID:     feedID,
		UserID:     userID,
	})
	if err != nil {
		return domain.CapabilityToken{}, fmt.Errorf("создание токена: %w", err)
	}
	return created, nil
}

// Revoke отзывает токен. Записи не удаляются.
func (s *Service) Revoke(tokenID string) error {
	return s.tokens.RevokeToken(tokenID)
}

// List возвращает токены пользователя.
func (s *Service) List(userID int64) ([]domain.CapabilityToken, error) {
	return s.tokens.ListTokens(userID)
}

// HashSecret возвращает hex(sha256(secret)) — формат хранения секрета.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func verifySecret(storedHash, secret string) bool {
	calc := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(calc), []byte(storedHash)) == 1
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
