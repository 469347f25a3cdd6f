// Package config loads and saves the on-disk YAML configuration (tool
// aliases, auth secrets, thresholds) that is distinct from the session
// store, which persists the running session set as JSON per §6.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Config is the operator-facing settings file.
type Config struct {
	Port     int    `yaml:"port"`
	Root     string `yaml:"root"`
	Token    string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`

	PasswordHash string `yaml:"password_hash,omitempty"`
	TOTPSecret   string `yaml:"totp_secret,omitempty"`

	DisableAuth bool `yaml:"disable_auth"`
	HTTPS       bool `yaml:"https"`
	CertFile    string `yaml:"cert_file,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty"`
	Dev         bool `yaml:"dev"`

	Tunnel               bool `yaml:"tunnel"`
	TunnelAllowAnonymous bool `yaml:"tunnel_allow_anonymous"`

	Aliases map[string]string `yaml:"aliases,omitempty"`

	SessionStorePath string `yaml:"session_store_path,omitempty"`
	TempImagesDir    string `yaml:"temp_images_dir,omitempty"`

	GCThresholdMB   int `yaml:"gc_threshold_mb"`
	WarnThresholdMB int `yaml:"warn_threshold_mb"`
}

// DefaultPath returns the config file location next to the executable,
// matching the teacher's convention of keeping the config alongside the
// binary for a single-operator local install.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}

func withDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Root == "" {
		home, _ := os.UserHomeDir()
		cfg.Root = home
	}
	if cfg.GCThresholdMB == 0 {
		cfg.GCThresholdMB = 1024
	}
	if cfg.WarnThresholdMB == 0 {
		cfg.WarnThresholdMB = 2048
	}
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	withDefaults(&cfg)
	return &cfg, nil
}

// Save atomically writes cfg to path (temp file + rename).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RunFirstSetup interactively generates the shared bearer token and,
// optionally, a password+TOTP 2FA challenge, then saves the result.
func RunFirstSetup(path string) (*Config, error) {
	fmt.Println("=== first-run setup ===")
	fmt.Println("A shared access token will be generated for REST and WebSocket auth.")
	fmt.Print("Also configure password + TOTP 2FA for the web login? [y/N]: ")

	var wantsTwoFactor string
	fmt.Scanln(&wantsTwoFactor)

	cfg := &Config{Port: 8080}

	if wantsTwoFactor == "y" || wantsTwoFactor == "Y" {
		fmt.Print("Enter password: ")
		pw1, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		fmt.Print("Confirm password: ")
		pw2, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		if string(pw1) != string(pw2) {
			return nil, fmt.Errorf("passwords do not match")
		}
		if len(pw1) == 0 {
			return nil, fmt.Errorf("password cannot be empty")
		}

		hash, err := bcrypt.GenerateFromPassword(pw1, 12)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "agentmux",
			AccountName: "operator",
		})
		if err != nil {
			return nil, fmt.Errorf("generating TOTP: %w", err)
		}
		cfg.PasswordHash = string(hash)
		cfg.TOTPSecret = key.Secret()
		fmt.Printf("\nTOTP Secret: %s\nTOTP URI:    %s\n", key.Secret(), key.URL())
		fmt.Println("Scan the URI with your authenticator app.")
	}

	cfg.Token = randomHex(32)

	jwtBuf := make([]byte, 32)
	if _, err := rand.Read(jwtBuf); err != nil {
		return nil, fmt.Errorf("generating jwt secret: %w", err)
	}
	cfg.JWTSecret = hex.EncodeToString(jwtBuf)

	withDefaults(cfg)

	if err := Save(cfg, path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nAccess token: %s\n", cfg.Token)
	fmt.Printf("Config saved to: %s\n\n", path)
	return cfg, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// GCThresholdBytes and WarnThresholdBytes return the restart manager's
// memory thresholds in bytes.
func (c *Config) GCThresholdBytes() int64 { return int64(c.GCThresholdMB) * 1024 * 1024 }
func (c *Config) WarnThresholdBytes() int64 { return int64(c.WarnThresholdMB) * 1024 * 1024 }

// ProbeInterval is the restart manager's memory sampling cadence.
const ProbeInterval = 5 * time.Minute
