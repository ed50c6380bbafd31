package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointRule represents rate limiting configuration for a specific HTTP endpoint.
type EndpointRule struct {
	Path   string // Endpoint path pattern (supports prefix matching)
	Method string // HTTP method (GET, POST, etc.)
	Rule   Rule
}

// HTTPConfig configures per-client limiting of the HTTP API.
type HTTPConfig struct {
	Enabled   bool
	Default   Rule
	Endpoints []EndpointRule
	Whitelist map[string]bool
	Blacklist map[string]bool
	Cleanup   time.Duration
}

// LoadHTTPConfig loads HTTP rate limiting configuration from environment variables.
func LoadHTTPConfig() *HTTPConfig {
	enabled := getEnvBool("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &HTTPConfig{Enabled: false}
	}

	return &HTTPConfig{
		Enabled: true,
		Default: Rule{
			Limit:  getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
			Window: getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		},
		Endpoints: DefaultEndpointRules(),
		Whitelist: parseIPList(getEnvString("RATE_LIMIT_WHITELIST", "")),
		Blacklist: parseIPList(getEnvString("RATE_LIMIT_BLACKLIST", "")),
		Cleanup:   getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
	}
}

// DefaultEndpointRules returns the default endpoint-specific rules.
func DefaultEndpointRules() []EndpointRule {
	return []EndpointRule{
		// Scrapes fan out to every source; keep them rare.
		{Path: "/scrape", Method: "POST", Rule: Rule{Limit: 10, Window: time.Hour}},
		{Path: "/scrape/stream", Method: "POST", Rule: Rule{Limit: 10, Window: time.Hour, MinSpacing: 10 * time.Second}},
		{Path: "/auth/token", Method: "POST", Rule: Rule{Limit: 20, Window: time.Minute, MinSpacing: 500 * time.Millisecond}},
		{Path: "/triggers/", Method: "POST", Rule: Rule{Limit: 30, Window: time.Hour}},
		{Path: "/jobs/", Method: "DELETE", Rule: Rule{Limit: 100, Window: time.Minute}},

		// Webhook bursts follow campaign sends.
		{Path: "/webhooks/transport", Method: "POST", Rule: Rule{Limit: 3000, Window: time.Minute}},
	}
}

// SourceRulesFromEnv reads per-source overrides of the form
// RATE_LIMIT_SOURCE_<KEY>=<limit>/<window>[,<spacing>], e.g. "30/1m,2s".
func SourceRulesFromEnv(keys []string) map[string]Rule {
	rules := make(map[string]Rule)
	for _, key := range keys {
		env := "RATE_LIMIT_SOURCE_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if rule, ok := ParseRule(os.Getenv(env)); ok {
			rules[key] = rule
		}
	}
	return rules
}

// ParseRule parses "<limit>/<window>[,<spacing>]". An empty or malformed value
// returns ok=false.
func ParseRule(s string) (Rule, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, false
	}

	var spacing time.Duration
	if head, tail, found := strings.Cut(s, ","); found {
		d, err := time.ParseDuration(strings.TrimSpace(tail))
		if err != nil || d < 0 {
			return Rule{}, false
		}
		spacing = d
		s = head
	}

	limitStr, windowStr, found := strings.Cut(s, "/")
	if !found {
		return Rule{}, false
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit < 0 {
		return Rule{}, false
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowStr))
	if err != nil || window <= 0 {
		return Rule{}, false
	}

	return Rule{Limit: limit, Window: window, MinSpacing: spacing}, true
}

// getEnvString gets an environment variable as a string with a default value.
func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}

	return result
}
