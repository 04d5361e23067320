package domain

import "context"

// EpisodeRepo управляет эпизодами.
type EpisodeRepo interface {
	GetEpisodeByGUID(guid string) (Episode, error)
	SetProcessedAudioPath(guid, path string) error
	IncrementDownloadCount(guid string) error
	// ListUnprocessedWhitelisted возвращает эпизоды, ожидающие обработку,
	// для фонового обхода.
	ListUnprocessedWhitelisted(limit int) ([]Episode, error)
}

// AudioStorage проверяет наличие аудиофайлов на долговременном хранилище.
// Готовность эпизода перепроверяется на каждый запрос: обработка может
// завершиться между проверкой и отдачей файла.
type AudioStorage interface {
	Exists(path string) bool
	// Resolve возвращает абсолютный путь файла внутри корня хранилища.
	Resolve(path string) (string, error)
	Size(path string) (int64, error)
}

// AudioProcessor выполняет собственно удаление рекламы из аудио.
// Механика (транскрипция, LLM, ffmpeg) живёт снаружи этого репозитория.
type AudioProcessor interface {
	Process(ctx context.Context, episode Episode, progress func(step int, name string)) (outputPath string, err error)
}

// AuthFailureLimiter ведёт счётчик неудачных аутентификаций по клиентам.
// Состояние разделяется между инстансами и переживает перезапуск.
type AuthFailureLimiter interface {
	// RetryAfter возвращает оставшиеся секунды блокировки (0 — не заблокирован).
	RetryAfter(clientID string) (int, error)
	// RegisterFailure фиксирует неудачу и возвращает назначенный бэкофф в секундах.
	RegisterFailure(clientID string) (int, error)
	RegisterSuccess(clientID string) error
}
