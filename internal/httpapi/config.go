package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/resumelift/creditledger/pkg/ledger"
)

const (
	defaultListenAddr          = ":9090"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultSignupBonus   int64 = 25
	walletHistoryLimit         = 20

	costResumeAnalysis int64 = 10
	costCoverLetter    int64 = 5
	costJobMatch       int64 = 3
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	SignupBonusCredits int64
	ShutdownTimeout    time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.SignupBonusCredits <= 0 {
		cfg.SignupBonusCredits = defaultSignupBonus
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// FeatureCost returns the per-use credit price of a spend feature.
func FeatureCost(reason ledger.Reason) (int64, bool) {
	switch reason {
	case ledger.ReasonSpendResumeAnalysis:
		return costResumeAnalysis, true
	case ledger.ReasonSpendCoverLetter:
		return costCoverLetter, true
	case ledger.ReasonSpendJobMatch:
		return costJobMatch, true
	}
	return 0, false
}

// WalletHistoryLimit returns how many transactions are listed for the UI.
func WalletHistoryLimit() int {
	return walletHistoryLimit
}
