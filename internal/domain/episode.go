package domain

import (
	"errors"
	"time"
)

// ErrEpisodeNotFound возвращается, когда эпизод с указанным GUID не найден.
var ErrEpisodeNotFound = errors.New("episode not found")

// Episode описывает выпуск подкаста, который обслуживает прокси.
// Готовность к отдаче определяется наличием обработанного аудио на диске,
// а не только записью в БД (см. AudioStorage).
type Episode struct {
	ID          int64
	GUID        string
	FeedID      int64
	Title       string
	Whitelisted bool
	// ProcessedAudioPath пуст, пока эпизод не обработан.
	ProcessedAudioPath   string
	UnprocessedAudioPath string
	DownloadURL          string
	DownloadCount        int64
	CreatedAt            time.Time
}

// HasProcessedAudio сообщает, записан ли путь к обработанному аудио.
func (e Episode) HasProcessedAudio() bool {
	return e.ProcessedAudioPath != ""
}
