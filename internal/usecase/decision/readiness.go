package decision

import "podstrip/internal/domain"

// ReadinessOracle отвечает на вопрос «готово ли обработанное аудио эпизода».
// Ответ не кэшируется: путь в БД может быть записан, а файл ещё не долит,
// либо обработка завершилась между двумя проверками. Перед самой отдачей
// файла готовность перепроверяется ещё раз.
type ReadinessOracle struct {
	storage domain.AudioStorage
}

// NewReadinessOracle создаёт оракул готовности.
func NewReadinessOracle(storage domain.AudioStorage) *ReadinessOracle {
	return &ReadinessOracle{storage: storage}
}

// Ready сообщает, есть ли у эпизода обработанное аудио на хранилище.
func (o *ReadinessOracle) Ready(episode domain.Episode) bool {
	if !episode.HasProcessedAudio() {
		return false
	}
	return o.storage.Exists(episode.ProcessedAudioPath)
}
