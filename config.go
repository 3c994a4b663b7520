package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/go-authgate/vakya-cli/session"
)

type config struct {
	ServerURL       string
	IDPURL          string
	ClientID        string
	CredentialsFile string
	CookieFile      string
	RestorePolicy   session.RestorePolicy
	GateTimeout     time.Duration
	LogLevel        string
	LogFile         string
	Email           string
	Password        string
	Language        string
	HistoryLimit    int
}

var (
	flagServerURL       *string
	flagIDPURL          *string
	flagClientID        *string
	flagCredentialsFile *string
	flagCookieFile      *string
	flagRestorePolicy   *string
	flagGateTimeout     *string
	flagLogLevel        *string
	flagLogFile         *string
	flagLanguage        *string
	flagLimit           *int
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String("server-url", "",
		"Backend API URL (default: http://localhost:8000/api or SERVER_URL env)")
	flagIDPURL = flag.String("idp-url", "",
		"Identity provider URL (default: http://localhost:8080 or IDP_URL env)")
	flagClientID = flag.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	flagCredentialsFile = flag.String("credentials-file", "",
		"Identity credential file (default: ~/.vakya/credentials.json or CREDENTIALS_FILE env)")
	flagCookieFile = flag.String("cookie-file", "",
		"Session cookie file (default: ~/.vakya/cookies.json or COOKIE_FILE env, \"-\" keeps cookies in memory)")
	flagRestorePolicy = flag.String("restore-policy", "",
		"What to do when no backend session can be restored: anonymous or signout (RESTORE_POLICY env)")
	flagGateTimeout = flag.String("gate-timeout", "",
		"Upper bound for a token exchange or refresh (default: 30s or GATE_TIMEOUT env)")
	flagLogLevel = flag.String("log-level", "", "debug, info, warn or error (LOG_LEVEL env)")
	flagLogFile = flag.String("log-file", "", "Write logs to this file (LOG_FILE env)")
	flagLanguage = flag.String("lang", "", "Text language (default: hindi or LANGUAGE env)")
	flagLimit = flag.Int("limit", 10, "Number of history items to list")
}

// initConfig parses flags and loads the configuration.
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() (config, []string, error) {
	flag.Parse()

	cfg, err := loadConfig(flagValues{
		ServerURL:       *flagServerURL,
		IDPURL:          *flagIDPURL,
		ClientID:        *flagClientID,
		CredentialsFile: *flagCredentialsFile,
		CookieFile:      *flagCookieFile,
		RestorePolicy:   *flagRestorePolicy,
		GateTimeout:     *flagGateTimeout,
		LogLevel:        *flagLogLevel,
		LogFile:         *flagLogFile,
		Language:        *flagLanguage,
	})
	if err != nil {
		return config{}, nil, err
	}
	cfg.HistoryLimit = *flagLimit
	return cfg, flag.Args(), nil
}

type flagValues struct {
	ServerURL       string
	IDPURL          string
	ClientID        string
	CredentialsFile string
	CookieFile      string
	RestorePolicy   string
	GateTimeout     string
	LogLevel        string
	LogFile         string
	Language        string
}

// loadConfig resolves every setting with priority flag > env > default.
func loadConfig(f flagValues) (config, error) {
	dir := defaultConfigDir()
	cfg := config{
		ServerURL:       strings.TrimRight(getConfig(f.ServerURL, "SERVER_URL", "http://localhost:8000/api"), "/"),
		IDPURL:          strings.TrimRight(getConfig(f.IDPURL, "IDP_URL", "http://localhost:8080"), "/"),
		ClientID:        getConfig(f.ClientID, "CLIENT_ID", ""),
		CredentialsFile: getConfig(f.CredentialsFile, "CREDENTIALS_FILE", filepath.Join(dir, "credentials.json")),
		CookieFile:      getConfig(f.CookieFile, "COOKIE_FILE", filepath.Join(dir, "cookies.json")),
		LogLevel:        getConfig(f.LogLevel, "LOG_LEVEL", "info"),
		LogFile:         getConfig(f.LogFile, "LOG_FILE", ""),
		Email:           getEnv("EMAIL", ""),
		Password:        getEnv("PASSWORD", ""),
		Language:        getConfig(f.Language, "LANGUAGE", "hindi"),
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return config{}, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if err := validateServerURL(cfg.IDPURL); err != nil {
		return config{}, fmt.Errorf("invalid IDP_URL: %w", err)
	}
	if cfg.ClientID == "" {
		return config{}, errors.New("CLIENT_ID not set. Please provide it via:\n" +
			"  1. Command line flag: -client-id=<your-client-id>\n" +
			"  2. Environment variable: CLIENT_ID=<your-client-id>\n" +
			"  3. .env file: CLIENT_ID=<your-client-id>")
	}

	policy, err := session.ParseRestorePolicy(getConfig(f.RestorePolicy, "RESTORE_POLICY", ""))
	if err != nil {
		return config{}, err
	}
	cfg.RestorePolicy = policy

	timeout := getConfig(f.GateTimeout, "GATE_TIMEOUT", "")
	cfg.GateTimeout = session.DefaultGateTimeout
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return config{}, fmt.Errorf("invalid GATE_TIMEOUT %q: want a positive duration such as 30s", timeout)
		}
		cfg.GateTimeout = d
	}
	return cfg, nil
}

// warnings lists configuration that works but deserves the user's attention.
func (c config) warnings() []string {
	var out []string
	for _, u := range []string{c.ServerURL, c.IDPURL} {
		if strings.HasPrefix(strings.ToLower(u), "http://") {
			out = append(out, fmt.Sprintf(
				"Using HTTP instead of HTTPS for %s. Tokens will be transmitted in plaintext!", u))
		}
	}
	// Validate CLIENT_ID format (should be UUID)
	if _, err := uuid.Parse(c.ClientID); err != nil {
		out = append(out, fmt.Sprintf(
			"CLIENT_ID doesn't appear to be a valid UUID: %s. "+
				"This may cause authentication issues if the server expects UUID format.", c.ClientID))
	}
	return out
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vakya"
	}
	return filepath.Join(home, ".vakya")
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
