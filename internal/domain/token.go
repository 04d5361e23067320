package domain

import (
	"errors"
	"time"
)

// ErrTokenNotFound возвращается, когда токен не найден или отозван.
var ErrTokenNotFound = errors.New("token not found")

// AuthType описывает способ аутентификации запроса.
type AuthType string

const (
	// AuthTypeSession — аутентификация через пользовательскую сессию.
	AuthTypeSession AuthType = "session"
	// AuthTypeFeedScoped — токен, привязанный к одному фиду.
	AuthTypeFeedScoped AuthType = "feed_scoped"
	// AuthTypeCombined — токен общего фида (только чтение).
	AuthTypeCombined AuthType = "combined"
	// AuthTypeNone — запрос без аутентификации.
	AuthTypeNone AuthType = "none"
)

// CapabilityToken описывает токен доступа к фидам.
// FeedID == nil означает общий (combined) токен на все фиды пользователя:
// такой токен читает аудио, но никогда не запускает обработку.
type CapabilityToken struct {
	ID         int64
	TokenID    string
	SecretHash string
	// Secret хранится в восстановимом виде только для того, чтобы сервер
	// мог заново построить ссылки, которые он выдаёт владельцу.
	Secret     string
	FeedID     *int64
	UserID     int64
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// IsCombined сообщает, является ли токен общим (read-only).
func (t CapabilityToken) IsCombined() bool {
	return t.FeedID == nil
}

// AuthType возвращает тип аутентификации по виду токена.
func (t CapabilityToken) AuthType() AuthType {
	if t.IsCombined() {
		return AuthTypeCombined
	}
	return AuthTypeFeedScoped
}

// CanRead сообщает, авторизован ли токен читать аудио эпизодов фида.
func (t CapabilityToken) CanRead(feedID int64) bool {
	if t.Revoked {
		return false
	}
	if t.FeedID == nil {
		return true
	}
	return *t.FeedID == feedID
}

// TokenRepo управляет токенами доступа.
type TokenRepo interface {
	GetByTokenID(tokenID string) (CapabilityToken, error)
	// FindActiveToken возвращает действующий токен пары (userID, feedID).
	// feedID == nil означает поиск общего токена.
	FindActiveToken(userID int64, feedID *int64) (CapabilityToken, error)
	CreateToken(token CapabilityToken) (CapabilityToken, error)
	TouchLastUsed(tokenID string) error
	RevokeToken(tokenID string) error
	ListTokens(userID int64) ([]CapabilityToken, error)
}
