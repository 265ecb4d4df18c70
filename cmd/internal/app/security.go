package app

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"livedesk/cmd/internal/pgdb"
)

// ValidateConfig enforces livedesk's startup policy. It fails fast instead of silently running
// with a weaker origin policy or a schedule that never fires.
func ValidateConfig(cfg Config) error {
	var errs []error

	if cfg.ReadinessRequireDB && cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("LIVEDESK_READINESS_REQUIRE_DB=true but LIVEDESK_DATABASE_URL is empty"))
	}
	if cfg.DatabaseURL != "" {
		if _, err := pgdb.NormalizeSchema(cfg.DBSchema); err != nil {
			errs = append(errs, fmt.Errorf("LIVEDESK_DB_SCHEMA: %w", err))
		}
	}

	// Browsers refuse credentialed responses for a wildcard origin; go-chi/cors would echo any origin.
	if cfg.CORSAllowCredentials && contains(cfg.CORSAllowedOrigins, "*") {
		errs = append(errs, errors.New("LIVEDESK_CORS_ALLOW_CREDENTIALS=true cannot be combined with origin \"*\""))
	}
	if cfg.WSOriginRequired && len(cfg.WSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("LIVEDESK_WS_ORIGIN_REQUIRED=true but LIVEDESK_WS_ALLOWED_ORIGINS is empty"))
	}

	if _, err := cron.ParseStandard(cfg.MaintenanceCron); err != nil {
		errs = append(errs, fmt.Errorf("LIVEDESK_MAINTENANCE_CRON: %w", err))
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
