package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	AgentName string

	// Clinic presentation
	ClinicName     string
	ClinicTimezone string
	AssistantName  string

	// LLM
	LLMProvider    string
	OpenAIAPIKey   string
	OpenAIModel    string
	GeminiAPIKey   string
	GeminiModel    string
	BedrockModelID string
	LLMMaxTokens   int
	LLMTemperature float64

	// AWS (Bedrock, SES)
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Geocoder
	GeocoderBaseURL    string
	GeocoderUserAgent  string
	GeocoderTimeout    time.Duration
	GeocoderRatePerSec float64

	// Email
	EmailProvider           string
	SendGridAPIKey          string
	ResendAPIKey            string
	EmailFrom               string
	EmailFromName           string
	EmailTimeout            time.Duration
	BookingNotifyRecipients []string
	BookingEmailPatient     bool

	// Voice runtime (LiveKit)
	LiveKitURL         string
	LiveKitAPIKey      string
	LiveKitAPISecret   string
	WebhookSecret      string
	PlayoutTimeout     time.Duration
	SessionIdleTimeout time.Duration
	DispatchRulePath   string

	// Call lifecycle store
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
}

// Load reads configuration from environment variables. A .env.local (then
// .env) file in the working directory is applied first when present; values
// already set in the environment win.
func Load() *Config {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	liveKitSecret := getEnv("LIVEKIT_API_SECRET", "")
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		AgentName: getEnv("AGENT_NAME", "intake-agent"),

		ClinicName:     getEnv("CLINIC_NAME", "Bay Area Health"),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "America/Los_Angeles"),
		AssistantName:  getEnv("ASSISTANT_NAME", "Sarah"),

		LLMProvider:    strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "openai"))),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		LLMMaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 400),
		LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.4),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		GeocoderBaseURL:    getEnv("GEOCODER_BASE_URL", "https://nominatim.openstreetmap.org"),
		GeocoderUserAgent:  getEnv("GEOCODER_USER_AGENT", "MedicalSchedulingBot/1.0"),
		GeocoderTimeout:    getEnvAsDuration("GEOCODER_TIMEOUT", 3*time.Second),
		GeocoderRatePerSec: getEnvAsFloat("GEOCODER_RATE_PER_SEC", 1),

		EmailProvider:           strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:          getEnv("SENDGRID_API_KEY", ""),
		ResendAPIKey:            getEnv("RESEND_API_KEY", ""),
		EmailFrom:               getEnv("EMAIL_FROM", ""),
		EmailFromName:           getEnv("EMAIL_FROM_NAME", "Bay Area Health Scheduling"),
		EmailTimeout:            getEnvAsDuration("EMAIL_TIMEOUT", 10*time.Second),
		BookingNotifyRecipients: getEnvAsList("BOOKING_NOTIFY_RECIPIENTS"),
		BookingEmailPatient:     getEnvAsBool("BOOKING_EMAIL_PATIENT", true),

		LiveKitURL:         getEnv("LIVEKIT_URL", ""),
		LiveKitAPIKey:      getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret:   liveKitSecret,
		WebhookSecret:      getEnv("WEBHOOK_SECRET", liveKitSecret),
		PlayoutTimeout:     getEnvAsDuration("PLAYOUT_TIMEOUT", 20*time.Second),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		DispatchRulePath:   getEnv("DISPATCH_RULE_PATH", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
	}
}

// Location resolves the clinic timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
