package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the configuration values for the application.
type Config struct {
	Port string

	StoreBackend     string
	DatabaseURL      string
	DynamoTable      string
	DynamoEndpoint   string
	AWSRegion        string
	NotifyChannel    string
	SessionListLimit int

	OpenAIKey   string
	ChatModel   string
	ReportModel string

	VoiceTransport      string
	VoiceAPIURL         string
	VoiceAPIKey         string
	VoiceWebhookSecret  string
	TranscriberProvider string
	TranscriberLanguage string
	VoiceProvider       string
	VoiceModelProvider  string
	VoiceModel          string
	VoiceFirstMessage   string

	KafkaBrokers  []string
	KafkaTopic    string
	SQSQueueName  string
	ArchiveBucket string

	FakeSubscription   bool
	CORSAllowedOrigins []string
}

const (
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"

	TransportBridge = "bridge"
	TransportREST   = "rest"
)

// Load reads .env (when present) and the environment, applying defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Println("failed to read .env:", err)
	}

	limit, err := strconv.Atoi(getEnv("SESSION_LIST_LIMIT", "20"))
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("invalid SESSION_LIST_LIMIT %q", os.Getenv("SESSION_LIST_LIMIT"))
	}
	fake, err := strconv.ParseBool(getEnv("ENABLE_FAKE_SUBSCRIPTION", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid ENABLE_FAKE_SUBSCRIPTION: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DynamoTable:      getEnv("DYNAMODB_TABLE", "ConsultationSessions"),
		DynamoEndpoint:   os.Getenv("DYNAMODB_ENDPOINT"),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		NotifyChannel:    getEnv("POSTGRES_NOTIFY_CHANNEL", "consultation_reports"),
		SessionListLimit: limit,

		OpenAIKey: os.Getenv("OPENAI_API_KEY"),
		ChatModel: getEnv("OPENAI_MODEL_CHAT", "gpt-4o-mini"),

		VoiceTransport:      strings.ToLower(getEnv("VOICE_TRANSPORT", TransportBridge)),
		VoiceAPIURL:         os.Getenv("VOICE_API_URL"),
		VoiceAPIKey:         os.Getenv("VOICE_API_KEY"),
		VoiceWebhookSecret:  os.Getenv("VOICE_WEBHOOK_SECRET"),
		TranscriberProvider: getEnv("VOICE_TRANSCRIBER_PROVIDER", "deepgram"),
		TranscriberLanguage: getEnv("VOICE_TRANSCRIBER_LANGUAGE", "en-US"),
		VoiceProvider:       getEnv("VOICE_PROVIDER", "playht"),
		VoiceModelProvider:  getEnv("VOICE_MODEL_PROVIDER", "openai"),
		VoiceModel:          getEnv("VOICE_MODEL", "gpt-4o"),
		VoiceFirstMessage:   os.Getenv("VOICE_FIRST_MESSAGE"),

		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "consultations.completed"),
		SQSQueueName:  os.Getenv("SQS_QUEUE_NAME"),
		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),

		FakeSubscription:   fake,
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}
	cfg.ReportModel = getEnv("OPENAI_MODEL_REPORT", cfg.ChatModel)

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL must be set")
		}
	case BackendDynamo:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.VoiceTransport {
	case TransportBridge, TransportREST:
	default:
		return nil, fmt.Errorf("unknown VOICE_TRANSPORT %q", cfg.VoiceTransport)
	}
	return cfg, nil
}

// Helper function to get environment variables
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
