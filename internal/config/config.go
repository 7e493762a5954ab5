// Package config loads the daemon's flat environment-variable
// configuration surface, failing fast when a required variable is
// missing, in the style of the teacher's getEnv/getEnvInt helpers
// generalized to required-vs-optional with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	APIToken   string
	DataDir    string
	KernelPath string
	HostIP     string

	APIPort            int
	PortMin            int
	PortMax            int
	DefaultVCPUCount   int
	DefaultMemSizeMiB  int
	DefaultDiskSizeGiB int
	MaxDiskSizeGiB     int
	ProtectedTemplates map[string]bool

	// BaseDomain enables the view model's url field. Empty disables it.
	BaseDomain string
}

// Load reads the configuration from the process environment, returning an
// error if a required variable is absent.
func Load() (*Config, error) {
	cfg := &Config{
		APIPort:            getEnvInt("API_PORT", 8080),
		PortMin:            getEnvInt("PORT_MIN", 22001),
		PortMax:            getEnvInt("PORT_MAX", 32000),
		DefaultVCPUCount:   getEnvInt("DEFAULT_VCPU_COUNT", 2),
		DefaultMemSizeMiB:  getEnvInt("DEFAULT_MEM_SIZE_MIB", 2048),
		DefaultDiskSizeGiB: getEnvInt("DEFAULT_DISK_SIZE_GIB", 2),
		MaxDiskSizeGiB:     getEnvInt("MAX_DISK_SIZE_GIB", 100),
		BaseDomain:         os.Getenv("BASE_DOMAIN"),
	}

	var missing []string
	cfg.APIToken = requireEnv("API_TOKEN", &missing)
	cfg.DataDir = requireEnv("DATA_DIR", &missing)
	cfg.KernelPath = requireEnv("KERNEL_PATH", &missing)
	cfg.HostIP = requireEnv("HOST_IP", &missing)
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg.ProtectedTemplates = map[string]bool{}
	names := getEnvList("PROTECTED_TEMPLATES", []string{"debian-base"})
	for _, n := range names {
		cfg.ProtectedTemplates[n] = true
	}

	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("invalid port range [%d, %d]", cfg.PortMin, cfg.PortMax)
	}

	return cfg, nil
}

func requireEnv(key string, missing *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		*missing = append(*missing, key)
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
