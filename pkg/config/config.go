package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type APIConfig struct {
	Port          string
	DBDSN         string
	RMQURL        string
	Queue         string
	JWTSecret     string
	WebhookSecret string
	SendInterval  time.Duration
	Provider      ProviderConfig
}

type WorkerConfig struct {
	DBDSN        string
	RMQURL       string
	Queue        string
	SendInterval time.Duration
	Provider     ProviderConfig
}

var (
	API    APIConfig
	Worker WorkerConfig
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("env %s: bad duration %q: %v", k, v, err)
	}
	return d
}

func loadProvider() ProviderConfig {
	return ProviderConfig{
		BaseURL: getenv("PROVIDER_BASE_URL", "https://api.resend.com"),
		APIKey:  mustEnv("PROVIDER_API_KEY"),
		Timeout: getenvDuration("PROVIDER_TIMEOUT", 10*time.Second),
	}
}

func MustLoadAPI() {
	_ = godotenv.Load()
	API = APIConfig{
		Port:          getenv("PORT", "8080"),
		DBDSN:         mustEnv("DB_DSN"),
		RMQURL:        mustEnv("RMQ_URL"),
		Queue:         getenv("QUEUE", "dispatch_jobs"),
		JWTSecret:     mustEnv("JWT_SECRET"),
		WebhookSecret: getenv("WEBHOOK_SECRET", ""),
		SendInterval:  getenvDuration("SEND_INTERVAL", 500*time.Millisecond),
		Provider:      loadProvider(),
	}
}

func MustLoadWorker() {
	_ = godotenv.Load()
	Worker = WorkerConfig{
		DBDSN:        mustEnv("DB_DSN"),
		RMQURL:       mustEnv("RMQ_URL"),
		Queue:        getenv("QUEUE", "dispatch_jobs"),
		SendInterval: getenvDuration("SEND_INTERVAL", 500*time.Millisecond),
		Provider:     loadProvider(),
	}
}
