// Package config provides environment configuration for the server and the
// workspace file that enrols offices and users.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Store settings
	StoreBackend string
	SQLitePath   string
	BoltPath     string

	// Workspace file with offices, users, routes and prompts
	WorkspaceFile string

	// LLM settings
	LLMProvider     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	GenerationModel string
	RerankModel     string
	RouterModel     string

	// Workflow timeouts
	GenerationTimeout time.Duration
	AssignmentWait    time.Duration
	EventTimeout      time.Duration

	// Retrieval
	RetrievalSubject   string
	RetrievalPerDomain int
	RetrievalMaxDocs   int

	// Google Chat
	GoogleChatAudience        string
	GoogleChatCertsURL        string
	GoogleChatCredentialsFile string

	// Local client
	WebhookHMACSecret string

	// Event queue
	EventQueueEnabled bool

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://chat.google.com"}),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Store
		StoreBackend: getEnv("STORE_BACKEND", "memory"),
		SQLitePath:   getEnv("SQLITE_PATH", "caddy.db"),
		BoltPath:     getEnv("BOLT_PATH", "caddy.bolt"),

		WorkspaceFile: getEnv("WORKSPACE_FILE", "workspace.yaml"),

		// LLM
		LLMProvider:     getEnv("LLM_PROVIDER", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GenerationModel: getEnv("GENERATION_MODEL", ""),
		RerankModel:     getEnv("RERANK_MODEL", ""),
		RouterModel:     getEnv("ROUTER_MODEL", ""),

		// Workflow
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 2*time.Minute),
		AssignmentWait:    getDurationEnv("ASSIGNMENT_WAIT", 10*time.Second),
		EventTimeout:      getDurationEnv("EVENT_TIMEOUT", 5*time.Minute),

		// Retrieval
		RetrievalSubject:   getEnv("RETRIEVAL_SUBJECT", ""),
		RetrievalPerDomain: getIntEnv("RETRIEVAL_PER_DOMAIN", 5),
		RetrievalMaxDocs:   getIntEnv("RETRIEVAL_MAX_DOCUMENTS", 10),

		// Google Chat
		GoogleChatAudience:        getEnv("GOOGLE_CHAT_AUDIENCE", ""),
		GoogleChatCertsURL:        getEnv("GOOGLE_CHAT_CERTS_URL", "https://www.googleapis.com/service_accounts/v1/metadata/x509/chat@system.gserviceaccount.com"),
		GoogleChatCredentialsFile: getEnv("GOOGLE_CHAT_CREDENTIALS_FILE", ""),

		WebhookHMACSecret: getEnv("WEBHOOK_HMAC_SECRET", ""),

		EventQueueEnabled: getBoolEnv("EVENT_QUEUE_ENABLED", false),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// GoogleChatEnabled reports whether the Google Chat webhooks can be verified.
func (c *Config) GoogleChatEnabled() bool {
	return c.GoogleChatAudience != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
