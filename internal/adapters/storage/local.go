package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"podstrip/internal/domain"
)

// ErrOutsideRoot возвращается при попытке выйти за корень хранилища.
var ErrOutsideRoot = errors.New("путь вне корня хранилища")

// Local реализует domain.AudioStorage поверх локальной файловой системы
// (или примонтированного сетевого тома). Относительные пути из БД
// разрешаются внутри корня.
type Local struct {
	root string
}

var _ domain.AudioStorage = (*Local)(nil)

// NewLocal создаёт хранилище с указанным корнем.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("корень хранилища: %w", err)
	}
	return &Local{root: abs}, nil
}

// Exists сообщает, есть ли файл на диске. Любая ошибка stat, кроме
// «файла нет», тоже трактуется как «не готов»: ложное «готов» закончится
// пятисоткой при отдаче, а ложное «не готов» всего лишь отсрочит её,
// и повтор обработки ограничен кулдауном.
func (l *Local) Exists(path string) bool {
	full, err := l.Resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Resolve возвращает абсолютный путь файла, не выпуская его за корень.
func (l *Local) Resolve(path string) (string, error) {
	if path == "" {
		return "", ErrOutsideRoot
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(l.root, full)
	}
	full = filepath.Clean(full)
	if full != l.root && !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}

// Size возвращает размер файла в байтах.
func (l *Local) Size(path string) (int64, error) {
	full, err := l.Resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Root возвращает корень хранилища.
func (l *Local) Root() string {
	return l.root
}
