package auth

import (
	"errors"
	"testing"

	"podstrip/internal/domain"
)

type stubTokens struct {
	tokens   map[string]domain.CapabilityToken
	created  []domain.CapabilityToken
	touched  []string
	revoked  []string
}

func (s *stubTokens) GetByTokenID(tokenID string) (domain.CapabilityToken, error) {
	token, ok := s.tokens[tokenID]
	if !ok {
		return domain.CapabilityToken{}, domain.ErrTokenNotFound
	}
	return token, nil
}

func (s *stubTokens) FindActiveToken(userID int64, feedID *int64) (domain.CapabilityToken, error) {
	for _, token := range s.tokens {
		if token.UserID != userID || token.Revoked {
			continue
		}
		if feedID == nil && token.FeedID == nil {
			return token, nil
		}
		if feedID != nil && token.FeedID != nil && *feedID == *token.FeedID {
			return token, nil
		}
	}
	return domain.CapabilityToken{}, domain.ErrTokenNotFound
}

func (s *stubTokens) CreateToken(token domain.CapabilityToken) (domain.CapabilityToken, error) {
	if s.tokens == nil {
		s.tokens = map[string]domain.CapabilityToken{}
	}
	token.ID = int64(len(s.tokens) + 1)
	s.tokens[token.TokenID] = token
	s.created = append(s.created, token)
	return token, nil
}

func (s *stubTokens) TouchLastUsed(tokenID string) error {
	s.touched = append(s.touched, tokenID)
	return nil
}

func (s *stubTokens) RevokeToken(tokenID string) error {
	s.revoked = append(s.revoked, tokenID)
	return nil
}

func (s *stubTokens) ListTokens(int64) ([]domain.CapabilityToken, error) { return nil, nil }

type stubLimiter struct {
	blocked   int
	failures  []string
	successes []string
}

func (s *stubLimiter) RetryAfter(string) (int, error) { return s.blocked, nil }
func (s *stubLimiter) RegisterFailure(clientID string) (int, error) {
	s.failures = append(s.failures, clientID)
	return 4, nil
}
func (s *stubLimiter) RegisterSuccess(clientID string) error {
	s.successes = append(s.successes, clientID)
	return nil
}

func validToken(secret string) domain.CapabilityToken {
	feedID := int64(10)
	return domain.CapabilityToken{
		ID:         1,
		TokenID:    "tok1",
		SecretHash: HashSecret(secret),
		FeedID:     &feedID,
		UserID:     7,
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	tokens := &stubTokens{tokens: map[string]domain.CapabilityToken{"tok1": validToken("s3cret")}}
	limiter := &stubLimiter{}
	service := NewService(tokens, limiter)

	token, _, err := service.Authenticate("tok1", "s3cret", "1.2.3.4")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if token.UserID != 7 {
		t.Fatalf("ожидали токен пользователя 7, получили %+v", token)
	}
	if len(tokens.touched) != 1 || tokens.touched[0] != "tok1" {
		t.Fatalf("ожидали обновление last_used_at, получили %v", tokens.touched)
	}
	if len(limiter.successes) != 1 {
		t.Fatalf("ожидали сброс счётчика неудач")
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	tokens := &stubTokens{tokens: map[string]domain.CapabilityToken{"tok1": validToken("s3cret")}}
	limiter := &stubLimiter{}
	service := NewService(tokens, limiter)

	_, retryAfter, err := service.Authenticate("tok1", "wrong", "1.2.3.4")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ожидали ErrInvalidToken, получили %v", err)
	}
	if retryAfter != 4 {
		t.Fatalf("ожидали бэкофф лимитера, получили %d", retryAfter)
	}
	if len(limiter.failures) != 1 {
		t.Fatalf("неудача должна была попасть в лимитер")
	}
	if len(tokens.touched) != 0 {
		t.Fatalf("last_used_at не должен обновляться при неудаче")
	}
}

func TestAuthenticateUnknownAndRevoked(t *testing.T) {
	revoked := validToken("s3cret")
	revoked.Revoked = true
	tokens := &stubTokens{tokens: map[string]domain.CapabilityToken{"tok1": revoked}}
	service := NewService(tokens, &stubLimiter{})

	if _, _, err := service.Authenticate("absent", "s3cret", "1.2.3.4"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ожидали ErrInvalidToken для неизвестного токена, получили %v", err)
	}
	if _, _, err := service.Authenticate("tok1", "s3cret", "1.2.3.4"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ожидали ErrInvalidToken для отозванного токена, получили %v", err)
	}
}

func TestAuthenticateBlockedClient(t *testing.T) {
	tokens := &stubTokens{tokens: map[string]domain.CapabilityToken{"tok1": validToken("s3cret")}}
	limiter := &stubLimiter{blocked: 30}
	service := NewService(tokens, limiter)

	_, retryAfter, err := service.Authenticate("tok1", "s3cret", "1.2.3.4")
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("ожидали ErrTooManyAttempts, получили %v", err)
	}
	if retryAfter != 30 {
		t.Fatalf("ожидали retry-after 30, получили %d", retryAfter)
	}
	// Заблокированный клиент не должен трогать хранилище токенов.
	if len(tokens.touched) != 0 {
		t.Fatalf("хранилище не должно было вызываться")
	}
}

func TestEnsureFeedTokenReusesExisting(t *testing.T) {
	tokens := &stubTokens{}
	service := NewService(tokens, nil)

	first, err := service.EnsureFeedToken(7, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := service.EnsureFeedToken(7, 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.TokenID != second.TokenID {
		t.Fatalf("повторный вызов должен вернуть существующий токен")
	}
	if len(tokens.created) != 1 {
		t.Fatalf("ожидали ровно одно создание, получили %d", len(tokens.created))
	}
}

func TestEnsureCombinedTokenIsCombined(t *testing.T) {
	tokens := &stubTokens{}
	service := NewService(tokens, nil)

	token, err := service.EnsureCombinedToken(7)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !token.IsCombined() {
		t.Fatalf("ожидали общий токен, получили %+v", token)
	}
	if token.Secret == "" || token.TokenID == "" {
		t.Fatalf("токен должен содержать идентификатор и секрет")
	}
	if token.SecretHash != HashSecret(token.Secret) {
		t.Fatalf("хэш секрета не совпадает")
	}
}
