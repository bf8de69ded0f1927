// Package config loads the archive's settings from the environment, with
// defaults that bring up a self-contained instance for local use.
package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort int
	SMTPPort int

	// DBPath is the sqlite index location; empty means in-memory.
	DBPath string
	// BlobPath is the attachment blob store location; empty disables blob
	// persistence (metadata is still indexed).
	BlobPath string

	AuthSecret string
	// AuthoritativeDomains are the identity domains trusted to read
	// private lists.
	AuthoritativeDomains []string
	// AdminEmails may use the management endpoints.
	AdminEmails []string

	// Generators is the space-separated id strategy chain; the first one
	// produces the canonical mid.
	Generators   string
	LegacyCompat bool

	// ArchiveDomain restricts which recipient domains the SMTP ingest
	// files messages for. Empty accepts any recipient domain.
	ArchiveDomain string
	// PrivateLists are list_raw ids archived as private by the SMTP
	// ingest.
	PrivateLists []string

	ConvertHTML bool
	IgnoreBody  string

	CatalogRefreshSeconds int

	SMTPAuthEnabled bool
	SMTPUsername    string
	SMTPPassword    string
}

func Load() Config {
	return Config{
		HTTPPort:              getEnvInt("HTTP_PORT", 8085),
		SMTPPort:              getEnvInt("SMTP_PORT", 2025),
		DBPath:                getEnvString("DB_PATH", ""),
		BlobPath:              getEnvString("BLOB_PATH", ""),
		AuthSecret:            getEnvString("AUTH_SECRET", ""),
		AuthoritativeDomains:  getEnvList("AUTHORITATIVE_DOMAINS", nil),
		AdminEmails:           getEnvList("ADMIN_EMAILS", nil),
		Generators:            getEnvString("ARCHIVER_GENERATORS", "dkim"),
		LegacyCompat:          getEnvBool("ARCHIVER_LEGACY_COMPAT", false),
		ArchiveDomain:         getEnvString("ARCHIVE_DOMAIN", ""),
		PrivateLists:          getEnvList("PRIVATE_LISTS", nil),
		ConvertHTML:           getEnvBool("CONVERT_HTML", false),
		IgnoreBody:            getEnvString("IGNORE_BODY", ""),
		CatalogRefreshSeconds: getEnvInt("CATALOG_REFRESH_SECONDS", 300),
		SMTPAuthEnabled:       getEnvBool("SMTP_AUTH_ENABLED", false),
		SMTPUsername:          getEnvString("SMTP_USERNAME", "archiver"),
		SMTPPassword:          getEnvString("SMTP_PASSWORD", ""),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		var out []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
