package config

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv  string `envconfig:"APP_ENV" default:"dev"`
	Port    int    `envconfig:"PORT" default:"8080"`
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	Audio struct {
		Root         string `envconfig:"AUDIO_ROOT" default:"/srv/podstrip/audio"`
		ProcessedDir string `envconfig:"AUDIO_PROCESSED_DIR" default:"processed"`
		ProcessorCmd string `envconfig:"PROCESSOR_CMD"`
	} `envconfig:""`

	Decision struct {
		CooldownSeconds int `envconfig:"JOB_COOLDOWN_SECONDS" default:"600"`
	} `envconfig:""`

	Worker struct {
		MaxAttempts int `envconfig:"WORKER_MAX_ATTEMPTS" default:"5"`
	} `envconfig:""`

	Refresher struct {
		BatchSize int `envconfig:"REFRESHER_BATCH_SIZE" default:"20"`
	} `envconfig:""`

	Queues struct {
		Jobs string `envconfig:"JOBS_QUEUE_KEY" default:"processing_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env подхватывается для
// удобства разработки; его отсутствие не ошибка.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
