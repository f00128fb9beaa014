package config

import (
	"os"
	"strconv"
	"time"
)

// Bootstrap holds process-level settings read once from the
// environment at startup. Runtime behavior (timeouts, limits, provider
// flags) lives in Runtime and is hot-reloadable.
type Bootstrap struct {
	Addr            string
	LogLevel        string
	RedisURL        string
	DatabaseURL     string
	RuntimeFile     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaBaseURL   string
	BedrockRegion   string
	OTLPEndpoint    string
	AWSRegion       string
	SNSTopicARN     string
	SQSUsageQueue   string
	SecretPrefix    string

	ShutdownTimeout time.Duration
}

func Load() (*Bootstrap, error) {
	cfg := &Bootstrap{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RedisURL:        getEnv("REDIS_URL", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RuntimeFile:     getEnv("RUNTIME_CONFIG_FILE", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		BedrockRegion:   getEnv("BEDROCK_REGION", ""),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		SNSTopicARN:     getEnv("SNS_TOPIC_ARN", ""),
		SQSUsageQueue:   getEnv("SQS_USAGE_QUEUE_URL", ""),
		SecretPrefix:    getEnv("SECRETS_PREFIX", ""),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
