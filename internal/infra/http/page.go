package http

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/rs/zerolog"
)

//go:embed templates/trigger.html
var templateFS embed.FS

var triggerTemplate = template.Must(template.ParseFS(templateFS, "templates/trigger.html"))

// triggerPage — данные для человеческой страницы запуска обработки.
type triggerPage struct {
	Title        string
	Badge        string
	Heading      string
	Message      string
	EpisodeTitle string
	ShowProgress bool
	DownloadURL  string
	PollURL      string
}

func renderTriggerPage(w http.ResponseWriter, logger zerolog.Logger, status int, page triggerPage) {
	setNoStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := triggerTemplate.Execute(w, page); err != nil {
		logger.Error().Err(err).Msg("http: не удалось отрисовать trigger-страницу")
	}
}
