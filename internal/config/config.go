package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Server
	Port    string
	AgentID string

	// Data directory (standings, rounds, transcripts, history, outbox)
	DataDir string

	// League
	LeagueID        string
	GameType        string
	MinParticipants int
	MaxParticipants int
	MaxReferees     int

	// Peers
	LeagueManagerURL string
	ContactEndpoint  string

	// Referee
	MaxConcurrentMatches int
	FailedMatchGraceSecs int
	OutboxResendSecs     int

	// Aggregator
	ReportQueueCapacity int
	DrainTimeoutSecs    int

	// RPC substrate
	MaxBodyBytes       int
	RetryMaxAttempts   int
	BreakerFailures    int
	BreakerOpenSecs    int
	RequestTimeoutSecs int
	TokenTTLHours      int

	// Player
	Strategy string

	// Security
	TokenSecret     string
	OperatorKeyHash string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Server
		Port:    getEnv("APP_PORT", "8080"),
		AgentID: getEnv("AGENT_ID", ""),

		// Data
		DataDir: getEnv("DATA_DIR", "data"),

		// League
		LeagueID:        getEnv("LEAGUE_ID", "league-001"),
		GameType:        getEnv("GAME_TYPE", "even_odd"),
		MinParticipants: getEnvInt("MIN_PARTICIPANTS", 2),
		MaxParticipants: getEnvInt("MAX_PARTICIPANTS", 16),
		MaxReferees:     getEnvInt("MAX_REFEREES", 4),

		// Peers
		LeagueManagerURL: getEnv("LEAGUE_MANAGER_URL", "http://localhost:8080"),
		ContactEndpoint:  getEnv("CONTACT_ENDPOINT", ""),

		// Referee
		MaxConcurrentMatches: getEnvInt("MAX_CONCURRENT_MATCHES", 50),
		FailedMatchGraceSecs: getEnvInt("FAILED_MATCH_GRACE_SECONDS", 300),
		OutboxResendSecs:     getEnvInt("OUTBOX_RESEND_SECONDS", 15),

		// Aggregator
		ReportQueueCapacity: getEnvInt("REPORT_QUEUE_CAPACITY", 100),
		DrainTimeoutSecs:    getEnvInt("DRAIN_TIMEOUT_SECONDS", 10),

		// RPC substrate
		MaxBodyBytes:       getEnvInt("MAX_BODY_BYTES", 64*1024),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		BreakerFailures:    getEnvInt("BREAKER_FAILURES", 5),
		BreakerOpenSecs:    getEnvInt("BREAKER_OPEN_SECONDS", 60),
		RequestTimeoutSecs: getEnvInt("REQUEST_TIMEOUT_SECONDS", 30),
		TokenTTLHours:      getEnvInt("TOKEN_TTL_HOURS", 24),

		// Player
		Strategy: getEnv("PLAYER_STRATEGY", "random"),

		// Security
		TokenSecret:     getEnv("TOKEN_SECRET", "change-me-in-production"),
		OperatorKeyHash: getEnv("OPERATOR_KEY_HASH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
