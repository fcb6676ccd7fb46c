package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kvcd-project/kvcd-operator/internal/common"
)

// EnvPrefix prefixes every environment variable read by the operator
const EnvPrefix = "KVCD_"

// Options are the operator settings
type Options struct {
	MetricsAddr          string
	ProbeAddr            string
	EnableLeaderElection bool

	RefreshInterval     time.Duration `validate:"gt=0"`
	RefreshInitialDelay time.Duration `validate:"gte=0"`
	RefreshIdleDelay    time.Duration `validate:"gte=0"`

	SessionRefreshInterval time.Duration `validate:"gt=0"`
	TaskPollInterval       time.Duration `validate:"gt=0"`
	PowerTimeout           time.Duration `validate:"gte=0"`
	RetryDelay             time.Duration `validate:"gt=0"`

	CredentialsSecret    string        `validate:"required"`
	CredentialsNamespace string        `validate:"required"`
	UserCacheTTL         time.Duration `validate:"gt=0"`

	MaxConcurrentReconciles int `validate:"gte=1"`

	// OTLPEndpoint is the OTLP/HTTP collector URL, metrics export is disabled when empty
	OTLPEndpoint string `validate:"omitempty,url"`

	LogFile       string
	LogMaxSizeMB  int `validate:"gte=1"`
	LogMaxBackups int `validate:"gte=0"`
}

// NewOptions returns the built-in defaults
func NewOptions() *Options {
	return &Options{
		MetricsAddr:             ":8080",
		ProbeAddr:               ":8081",
		RefreshInterval:         60 * time.Second,
		RefreshInitialDelay:     60 * time.Second,
		RefreshIdleDelay:        60 * time.Second,
		SessionRefreshInterval:  time.Hour,
		TaskPollInterval:        2 * time.Second,
		PowerTimeout:            60 * time.Second,
		RetryDelay:              30 * time.Second,
		CredentialsSecret:       common.SecretName,
		CredentialsNamespace:    common.SecretNameSpace,
		UserCacheTTL:            5 * time.Minute,
		MaxConcurrentReconciles: 4,
		LogMaxSizeMB:            100,
		LogMaxBackups:           3,
	}
}

// CredentialsKey locates the credentials secret
func (o *Options) CredentialsKey() types.NamespacedName {
	return types.NamespacedName{Namespace: o.CredentialsNamespace, Name: o.CredentialsSecret}
}

// ApplyEnv overrides the defaults with the KVCD_* variables found by lookup.
// Durations accept Go duration strings or a plain number of seconds.
func (o *Options) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	durations := map[string]*time.Duration{
		"REFRESH_INTERVAL":             &o.RefreshInterval,
		"REFRESH_INITIAL_DELAY":        &o.RefreshInitialDelay,
		"REFRESH_IDLE_DELAY":           &o.RefreshIdleDelay,
		"VCD_REFRESH_SESSION_INTERVAL": &o.SessionRefreshInterval,
		"TASK_POLL_INTERVAL":           &o.TaskPollInterval,
		"POWER_TIMEOUT":                &o.PowerTimeout,
		"RETRY_DELAY":                  &o.RetryDelay,
		"USER_CACHE_TTL":               &o.UserCacheTTL,
	}
	for name, target := range durations {
		raw, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = d
	}

	strs := map[string]*string{
		"CREDENTIALS_SECRET":    &o.CredentialsSecret,
		"CREDENTIALS_NAMESPACE": &o.CredentialsNamespace,
		"OTLP_ENDPOINT":         &o.OTLPEndpoint,
		"LOG_FILE":              &o.LogFile,
	}
	for name, target := range strs {
		if raw, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(raw) != "" {
			*target = strings.TrimSpace(raw)
		}
	}

	if raw, ok := lookup(EnvPrefix + "MAX_CONCURRENT_RECONCILES"); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %sMAX_CONCURRENT_RECONCILES: %w", EnvPrefix, err)
		}
		o.MaxConcurrentReconciles = n
	}
	return nil
}

// BindFlags registers the options on fs, current values become the flag defaults
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.MetricsAddr, "metrics-bind-address", o.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&o.ProbeAddr, "health-probe-bind-address", o.ProbeAddr, "The address the probe endpoint binds to.")
	fs.BoolVar(&o.EnableLeaderElection, "leader-elect", o.EnableLeaderElection,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")

	fs.DurationVar(&o.RefreshInterval, "refresh-interval", o.RefreshInterval, "Delay between two drift refreshes of a vApp.")
	fs.DurationVar(&o.RefreshInitialDelay, "refresh-initial-delay", o.RefreshInitialDelay, "No refresh happens before this delay after a vApp was first handled.")
	fs.DurationVar(&o.RefreshIdleDelay, "refresh-idle-delay", o.RefreshIdleDelay, "No refresh happens while the resource changed less than this delay ago.")
	fs.DurationVar(&o.SessionRefreshInterval, "session-refresh-interval", o.SessionRefreshInterval, "Interval between two vCloud Director logins.")
	fs.DurationVar(&o.TaskPollInterval, "task-poll-interval", o.TaskPollInterval, "Delay between two task status reads.")
	fs.DurationVar(&o.PowerTimeout, "power-timeout", o.PowerTimeout, "Maximum wait on a power task, 0 waits until the reconcile is cancelled.")
	fs.DurationVar(&o.RetryDelay, "retry-delay", o.RetryDelay, "Requeue delay after a retryable failure.")

	fs.StringVar(&o.CredentialsSecret, "credentials-secret", o.CredentialsSecret, "Name of the secret holding the vCloud Director credentials.")
	fs.StringVar(&o.CredentialsNamespace, "credentials-namespace", o.CredentialsNamespace, "Namespace of the credentials secret.")
	fs.DurationVar(&o.UserCacheTTL, "user-cache-ttl", o.UserCacheTTL, "How long organization users are cached.")

	fs.IntVar(&o.MaxConcurrentReconciles, "max-concurrent-reconciles", o.MaxConcurrentReconciles, "Number of vApps reconciled in parallel.")
	fs.StringVar(&o.OTLPEndpoint, "otlp-endpoint", o.OTLPEndpoint, "OTLP/HTTP endpoint receiving the operator metrics, e.g. http://collector:4318/v1/metrics.")

	fs.StringVar(&o.LogFile, "log-file", o.LogFile, "Also write logs to this file, rotated by size.")
	fs.IntVar(&o.LogMaxSizeMB, "log-max-size-mb", o.LogMaxSizeMB, "Size in megabytes after which the log file is rotated.")
	fs.IntVar(&o.LogMaxBackups, "log-max-backups", o.LogMaxBackups, "Number of rotated log files kept.")
}

// Validate checks the option values
func (o *Options) Validate() error {
	if err := common.Validator().Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}
