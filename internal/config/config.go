package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	rrerrors "github.com/systmms/rootrotate/internal/errors"
	"github.com/systmms/rootrotate/internal/logging"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// DefaultPath is the configuration file looked up when --config is not given.
const DefaultPath = "rootrotate.yaml"

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition

	// AllowMissing makes Load fall back to defaults when Path does not exist.
	AllowMissing bool

	// Overrides are applied on top of the file after defaults.
	Overrides Overrides
}

// Overrides holds command-line values that win over rootrotate.yaml.
// Zero values leave the file setting alone.
type Overrides struct {
	Profile      string
	Region       string
	Kubeconfig   string
	Context      string
	Timeout      time.Duration
	PollInterval time.Duration
	KeyMaxAge    time.Duration
}

// Definition represents the rootrotate.yaml structure.
type Definition struct {
	Version       int                 `yaml:"version"`
	AWS           AWSConfig           `yaml:"aws"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Rotation      RotationConfig      `yaml:"rotation"`
	Health        HealthConfig        `yaml:"health"`
	Backup        BackupConfig        `yaml:"backup"`
	Rollback      RollbackConfig      `yaml:"rollback"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// AWSConfig selects the operator's AWS credentials.
type AWSConfig struct {
	Profile string `yaml:"profile,omitempty"`
	Region  string `yaml:"region,omitempty"`
}

// ClusterConfig selects the cluster and the objects the rotation touches.
type ClusterConfig struct {
	Kubeconfig      string          `yaml:"kubeconfig,omitempty"`
	Context         string          `yaml:"context,omitempty"`
	MintingOperator string          `yaml:"mintingOperator,omitempty"`
	RootSecret      SecretReference `yaml:"rootSecret"`
}

// SecretReference names a Secret.
type SecretReference struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

func (r SecretReference) String() string {
	return r.Namespace + "/" + r.Name
}

// RotationConfig tunes the key lifecycle and dependent credential refresh.
type RotationConfig struct {
	PrincipalPrefix string        `yaml:"principalPrefix,omitempty"`
	PolicyName      string        `yaml:"policyName,omitempty"`
	KeyMaxAge       Duration      `yaml:"keyMaxAge,omitempty"`
	PollInterval    Duration      `yaml:"pollInterval,omitempty"`
	RefreshTimeout  Duration      `yaml:"refreshTimeout,omitempty"`
	Timeout         Duration      `yaml:"timeout,omitempty"`
	Confirm         ConfirmConfig `yaml:"confirm"`
}

// ConfirmConfig bounds the new-key confirmation loop.
type ConfirmConfig struct {
	Attempts int      `yaml:"attempts,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// HealthConfig bounds the cluster operator health poll.
type HealthConfig struct {
	PollInterval Duration `yaml:"pollInterval,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
}

// BackupConfig selects where pre-mutation snapshots are written.
type BackupConfig struct {
	Backend        string               `yaml:"backend,omitempty"`
	Dir            string               `yaml:"dir,omitempty"`
	SecretsManager SecretsManagerBackup `yaml:"secretsManager"`
}

// SecretsManagerBackup configures the AWS Secrets Manager backup backend.
type SecretsManagerBackup struct {
	Prefix   string `yaml:"prefix,omitempty"`
	KMSKeyID string `yaml:"kmsKeyId,omitempty"`
	Region   string `yaml:"region,omitempty"`
}

// MetricsConfig configures Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// Backup backends.
const (
	BackendFile           = "file"
	BackendSecretsManager = "secretsmanager"
)

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Defaults returns a definition with every default applied.
func Defaults() *Definition {
	def := &Definition{Version: 1}
	def.ApplyDefaults()
	return def
}

// ApplyDefaults fills every zero-valued setting.
func (d *Definition) ApplyDefaults() {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Cluster.MintingOperator == "" {
		d.Cluster.MintingOperator = "cloud-credential"
	}
	if d.Cluster.RootSecret.Namespace == "" {
		d.Cluster.RootSecret.Namespace = "kube-system"
	}
	if d.Cluster.RootSecret.Name == "" {
		d.Cluster.RootSecret.Name = "aws-creds"
	}

	r := &d.Rotation
	if r.PrincipalPrefix == "" {
		r.PrincipalPrefix = "cco-root-"
	}
	if r.PolicyName == "" {
		r.PolicyName = "cco-root-policy"
	}
	setDefault(&r.KeyMaxAge, 90*24*time.Hour)
	setDefault(&r.PollInterval, 10*time.Second)
	setDefault(&r.RefreshTimeout, 10*time.Minute)
	setDefault(&r.Timeout, 45*time.Minute)
	if r.Confirm.Attempts == 0 {
		r.Confirm.Attempts = 12
	}
	setDefault(&r.Confirm.Interval, 5*time.Second)
	setDefault(&r.Confirm.Timeout, 2*time.Minute)

	setDefault(&d.Health.PollInterval, 15*time.Second)
	setDefault(&d.Health.Timeout, 20*time.Minute)

	setDefault(&d.Rollback.Timeout, 2*time.Minute)
	if d.Rollback.MaxRetries == nil {
		retries := 2
		d.Rollback.MaxRetries = &retries
	}

	if d.Backup.Backend == "" {
		d.Backup.Backend = BackendFile
	}
	if d.Backup.SecretsManager.Prefix == "" {
		d.Backup.SecretsManager.Prefix = "rootrotate/backups"
	}
}

func setDefault(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}

// Load reads, validates and parses the rootrotate.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if c.AllowMissing {
				return c.finish(Defaults())
			}
			return rrerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create rootrotate.yaml or pass --config",
			}
		}
		return rrerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	return c.finish(def)
}

func (c *Config) finish(def *Definition) error {
	def.ApplyOverrides(c.Overrides)
	if err := def.Validate(); err != nil {
		return err
	}
	c.Definition = def
	return nil
}

// ApplyOverrides copies every non-zero override into the definition.
func (d *Definition) ApplyOverrides(o Overrides) {
	if o.Profile != "" {
		d.AWS.Profile = o.Profile
	}
	if o.Region != "" {
		d.AWS.Region = o.Region
	}
	if o.Kubeconfig != "" {
		d.Cluster.Kubeconfig = o.Kubeconfig
	}
	if o.Context != "" {
		d.Cluster.Context = o.Context
	}
	if o.Timeout > 0 {
		d.Rotation.Timeout.Duration = o.Timeout
	}
	if o.PollInterval > 0 {
		d.Rotation.PollInterval.Duration = o.PollInterval
		d.Health.PollInterval.Duration = o.PollInterval
	}
	if o.KeyMaxAge > 0 {
		d.Rotation.KeyMaxAge.Duration = o.KeyMaxAge
	}
}

// Parse validates raw YAML against the embedded schema and decodes it.
func Parse(data []byte) (*Definition, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, rrerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}
	if raw == nil {
		return Defaults(), nil
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, rrerrors.ConfigError{
			Message:    err.Error(),
			Suggestion: "Durations use Go syntax such as 30s, 5m or 2160h",
		}
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateSchema(raw interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return rrerrors.ConfigError{
		Field:      strings.TrimPrefix(first.Field(), "(root)."),
		Value:      first.Value(),
		Message:    strings.Join(messages, "; "),
		Suggestion: "See the configuration reference in rootrotate --help",
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (d *Definition) Validate() error {
	if d.Rotation.Confirm.Interval.Duration > d.Rotation.Confirm.Timeout.Duration {
		return rrerrors.ConfigError{
			Field:      "rotation.confirm.interval",
			Value:      d.Rotation.Confirm.Interval.String(),
			Message:    "confirm interval exceeds confirm timeout",
			Suggestion: "Lower rotation.confirm.interval or raise rotation.confirm.timeout",
		}
	}
	if d.Rotation.PollInterval.Duration > d.Rotation.RefreshTimeout.Duration {
		return rrerrors.ConfigError{
			Field:   "rotation.pollInterval",
			Value:   d.Rotation.PollInterval.String(),
			Message: "poll interval exceeds refresh timeout",
		}
	}
	if d.Health.PollInterval.Duration > d.Health.Timeout.Duration {
		return rrerrors.ConfigError{
			Field:   "health.pollInterval",
			Value:   d.Health.PollInterval.String(),
			Message: "poll interval exceeds health timeout",
		}
	}
	if d.Backup.Backend == BackendSecretsManager && d.AWS.Region == "" && d.Backup.SecretsManager.Region == "" {
		return rrerrors.ConfigError{
			Field:      "backup.secretsManager.region",
			Message:    "a region is required for the secretsmanager backup backend",
			Suggestion: "Set aws.region or backup.secretsManager.region",
		}
	}
	return nil
}
