// Package settings loads the monitor's immutable process configuration
// from a `.env` file (via godotenv) and a `monitor.toml` file (via
// BurntSushi/toml), mirroring the two-layer Dotenv/Toml split of the
// reference implementation's settings crate.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
)

// Env is the set of options read from process environment variables (after
// loading a .env file, if present).
type Env struct {
	MonitorAPITokenAuthValue string
	GithubAPIScope           string
	GithubAPISuffix          string
	LibvirtPrefix            string
	MonitorDataPath          string // empty means "./data"
	MonitorPollInterval      time.Duration
	APICacheTimeout          time.Duration
	MonitorStartTimeout      time.Duration
	MonitorReserveTimeout    time.Duration
	MonitorThreadSendTimeout time.Duration
	MonitorThreadRecvTimeout time.Duration
	DestroyAllNonBusyRunners bool
	DontRegisterRunners      bool
	DontCreateRunners        bool
	MainRepoPath             string
	LibMonitorDir            string // empty means ".."
}

const placeholderToken = "ChangeMe"

// LoadEnv reads a .env file (if present) into the process environment, then
// parses the recognized SERVO_CI_* keys. A validation failure is a fatal
// ConfigError.
func LoadEnv(dotenvPath string) (*Env, error) {
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	if _, err := os.Stat(dotenvPath); err == nil {
		if err := godotenv.Load(dotenvPath); err != nil {
			return nil, policyerr.NewConfigError("failed to load %s: %v", dotenvPath, err)
		}
	}

	token, err := envString("SERVO_CI_MONITOR_API_TOKEN")
	if err != nil {
		return nil, err
	}
	if token == placeholderToken {
		return nil, policyerr.NewConfigError("SERVO_CI_MONITOR_API_TOKEN must be changed from the placeholder value")
	}

	e := &Env{
		MonitorAPITokenAuthValue: "Bearer " + token,
		MonitorDataPath:          os.Getenv("SERVO_CI_MONITOR_DATA_PATH"),
		DestroyAllNonBusyRunners: envPresent("SERVO_CI_DESTROY_ALL_NON_BUSY_RUNNERS"),
		DontRegisterRunners:      envPresent("SERVO_CI_DONT_REGISTER_RUNNERS"),
		DontCreateRunners:        envPresent("SERVO_CI_DONT_CREATE_RUNNERS"),
		LibMonitorDir:            os.Getenv("LIB_MONITOR_DIR"),
	}

	for key, dst := range map[string]*string{
		"SERVO_CI_GITHUB_API_SCOPE":  &e.GithubAPIScope,
		"SERVO_CI_GITHUB_API_SUFFIX": &e.GithubAPISuffix,
		"SERVO_CI_LIBVIRT_PREFIX":    &e.LibvirtPrefix,
		"SERVO_CI_MAIN_REPO_PATH":    &e.MainRepoPath,
	} {
		v, err := envString(key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	for key, dst := range map[string]*time.Duration{
		"SERVO_CI_MONITOR_POLL_INTERVAL":       &e.MonitorPollInterval,
		"SERVO_CI_API_CACHE_TIMEOUT":           &e.APICacheTimeout,
		"SERVO_CI_MONITOR_START_TIMEOUT":       &e.MonitorStartTimeout,
		"SERVO_CI_MONITOR_RESERVE_TIMEOUT":     &e.MonitorReserveTimeout,
		"SERVO_CI_MONITOR_THREAD_SEND_TIMEOUT": &e.MonitorThreadSendTimeout,
		"SERVO_CI_MONITOR_THREAD_RECV_TIMEOUT": &e.MonitorThreadRecvTimeout,
	} {
		d, err := envDurationSecs(key)
		if err != nil {
			return nil, err
		}
		*dst = d
	}

	return e, nil
}

func envString(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", policyerr.NewConfigError("%s not defined", key)
	}
	return v, nil
}

func envPresent(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func envDurationSecs(key string) (time.Duration, error) {
	v, err := envString(key)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, policyerr.NewConfigError("failed to parse %s as seconds: %v", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}

// TOML is the set of options read from monitor.toml.
type TOML struct {
	ExternalBaseURL        string             `toml:"external_base_url"`
	BaseImageMaxAgeSeconds uint64             `toml:"base_image_max_age"`
	Available1GHugepages   int                `toml:"available_1g_hugepages"`
	AvailableNormalMemory  MemorySize         `toml:"available_normal_memory"`
	Profiles               map[string]Profile `toml:"profiles"`
}

// BaseImageMaxAge is base_image_max_age as a Duration.
func (t *TOML) BaseImageMaxAge() time.Duration {
	return time.Duration(t.BaseImageMaxAgeSeconds) * time.Second
}

// LoadTOML reads and validates monitor.toml from path.
func LoadTOML(path string) (*TOML, error) {
	if path == "" {
		path = "monitor.toml"
	}
	var t TOML
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, policyerr.NewConfigError("failed to parse %s: %v", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *TOML) validate() error {
	if !strings.HasSuffix(t.ExternalBaseURL, "/") {
		return policyerr.NewConfigError("external_base_url must end with a slash")
	}
	for key, profile := range t.Profiles {
		if key != profile.ProfileName {
			return policyerr.NewConfigError(
				"profiles table key %q must equal profile_name %q", key, profile.ProfileName)
		}
	}
	return nil
}

// Settings is the fully-loaded, immutable configuration for one process
// lifetime.
type Settings struct {
	Env  Env
	TOML TOML
}

// Load combines LoadEnv and LoadTOML into one Settings value.
func Load(dotenvPath, tomlPath string) (*Settings, error) {
	env, err := LoadEnv(dotenvPath)
	if err != nil {
		return nil, err
	}
	tml, err := LoadTOML(tomlPath)
	if err != nil {
		return nil, err
	}
	return &Settings{Env: *env, TOML: *tml}, nil
}

// DataPath returns the configured data directory, defaulting to "./data".
func (s *Settings) DataPath() string {
	if s.Env.MonitorDataPath == "" {
		return "./data"
	}
	return s.Env.MonitorDataPath
}

// LibDir returns the directory containing per-profile build support files
// (build-image.sh, etc.), defaulting to ".." to match running the process
// from a checkout's own lib/monitor subdirectory.
func (s *Settings) LibDir() string {
	if s.Env.LibMonitorDir == "" {
		return ".."
	}
	return s.Env.LibMonitorDir
}

// RunnerGuestPrefix is the libvirt/hypervisor prefix used for runner guest
// names: "<libvirt_prefix>-runner".
func (s *Settings) RunnerGuestPrefix() string {
	return fmt.Sprintf("%s-runner", s.Env.LibvirtPrefix)
}

// RebuildGuestPrefix is the hypervisor prefix used for in-progress rebuild
// guests: "<libvirt_prefix>-rebuild".
func (s *Settings) RebuildGuestPrefix() string {
	return fmt.Sprintf("%s-rebuild", s.Env.LibvirtPrefix)
}

// TemplateGuestPrefix is the hypervisor prefix used for base-image template
// guests: "<libvirt_prefix>-template".
func (s *Settings) TemplateGuestPrefix() string {
	return fmt.Sprintf("%s-template", s.Env.LibvirtPrefix)
}
