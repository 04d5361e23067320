package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

// Exec запускает внешнюю команду обработки аудио. Транскрипция, поиск
// рекламы и резка аудио живут в отдельном инструменте; адаптер подставляет
// пути в шаблон команды и читает строки прогресса вида "STEP <n> <имя>"
// из stdout дочернего процесса.
type Exec struct {
	command      []string
	processedDir string
	log          zerolog.Logger
}

var _ domain.AudioProcessor = (*Exec)(nil)

// NewExec создаёт адаптер. command — шаблон с плейсхолдерами {input} и
// {output}, например "podstrip-process {input} {output}".
func NewExec(command, processedDir string, logger zerolog.Logger) (*Exec, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("команда обработки пуста")
	}
	if processedDir == "" {
		return nil, errors.New("каталог обработанного аудио не указан")
	}
	return &Exec{command: fields, processedDir: processedDir, log: logger}, nil
}

// Process запускает команду для эпизода и возвращает путь готового файла
// относительно корня хранилища.
func (e *Exec) Process(ctx context.Context, episode domain.Episode, progress func(step int, name string)) (string, error) {
	if episode.UnprocessedAudioPath == "" {
		return "", errors.New("у эпизода нет исходного аудио")
	}
	output := filepath.Join(e.processedDir, episode.GUID+".mp3")

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", fmt.Errorf("каталог вывода: %w", err)
	}

	args := make([]string, 0, len(e.command)-1)
	for _, part := range e.command[1:] {
		part = strings.ReplaceAll(part, "{input}", episode.UnprocessedAudioPath)
		part = strings.ReplaceAll(part, "{output}", output)
		args = append(args, part)
	}

	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout процесса: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.ObserveNetworkRequest("processor", "run", e.command[0], start, err)
		return "", fmt.Errorf("запуск обработки: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		step, name, ok := parseStepLine(scanner.Text())
		if ok && progress != nil {
			progress(step, name)
		}
	}

	err = cmd.Wait()
	metrics.ObserveNetworkRequest("processor", "run", e.command[0], start, err)
	if err != nil {
		return "", fmt.Errorf("обработка завершилась ошибкой: %w", err)
	}
	if _, statErr := os.Stat(output); statErr != nil {
		return "", fmt.Errorf("обработка не создала файл %s: %w", output, statErr)
	}
	return output, nil
}

// parseStepLine разбирает строку прогресса "STEP 2 Transcribing".
func parseStepLine(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "STEP ")
	if !ok {
		return 0, "", false
	}
	numStr, name, _ := strings.Cut(rest, " ")
	step, err := strconv.Atoi(numStr)
	if err != nil || step < 0 {
		return 0, "", false
	}
	return step, strings.TrimSpace(name), true
}
