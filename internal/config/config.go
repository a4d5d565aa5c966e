package config

import (
	"os"
	"strings"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	AuthSecret    string
	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	// SystemLocked blocks attempt creation for non-admins when set.
	SystemLocked bool

	// AI grading service (OpenAI-compatible).
	AIBaseURL       string
	AIAPIKey        string
	AIModel         string
	AIMaxRetries    int
	AIMaxConcurrent int

	AIStrictnessPercent int
	AIPartialCredit     bool
	AIConsiderSpelling  bool
	AIConsiderGrammar   bool
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	return Config{
		Mode:     mode,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		AuthSecret:    envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),
		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", ""),

		CORSOriginsOnline:  csvOr("CORS_ORIGINS_ONLINE", "https://exams.gradeworks.io"),
		CORSOriginsOffline: csvOr("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010"),

		SystemLocked: envBool("SYSTEM_LOCKED", false),

		AIBaseURL:       os.Getenv("AI_BASE_URL"),
		AIAPIKey:        os.Getenv("AI_API_KEY"),
		AIModel:         envOr("AI_MODEL", "gpt-4o-mini"),
		AIMaxRetries:    envInt("AI_MAX_RETRIES", 3),
		AIMaxConcurrent: envInt("AI_MAX_CONCURRENT", 4),

		AIStrictnessPercent: envInt("AI_STRICTNESS_PERCENT", 50),
		AIPartialCredit:     envBool("AI_PARTIAL_CREDIT", true),
		AIConsiderSpelling:  envBool("AI_CONSIDER_SPELLING", false),
		AIConsiderGrammar:   envBool("AI_CONSIDER_GRAMMAR", false),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
