package host

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/gridlet-dev/gridlet-host/application/schema"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/logging"
)

// EngineName is the key extensions use in their manifest's engines map to
// declare a compatible host version range.
const EngineName = "gridlet"

// DefaultEngineVersion is the version advertised when none is configured.
const DefaultEngineVersion = "1.0.0"

var validateConfig = validator.New()

// Timeouts holds the per-category call budgets. Each cross-boundary call
// category gets its own deadline.
type Timeouts struct {
	Activation     time.Duration `envconfig:"ACTIVATION_TIMEOUT" default:"5s" validate:"gt=0"`
	Command        time.Duration `envconfig:"COMMAND_TIMEOUT" default:"3s" validate:"gt=0"`
	CustomFunction time.Duration `envconfig:"CUSTOM_FUNCTION_TIMEOUT" default:"2s" validate:"gt=0"`
	DataConnector  time.Duration `envconfig:"DATA_CONNECTOR_TIMEOUT" default:"5s" validate:"gt=0"`
}

// DefaultTimeouts returns the built-in budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Activation:     5 * time.Second,
		Command:        3 * time.Second,
		CustomFunction: 2 * time.Second,
		DataConnector:  5 * time.Second,
	}
}

// TimeoutsFromEnv reads budgets from GRIDLET_*-prefixed environment
// variables, falling back to the defaults.
func TimeoutsFromEnv() (Timeouts, error) {
	var t Timeouts
	if err := envconfig.Process("gridlet", &t); err != nil {
		return Timeouts{}, fmt.Errorf("read timeout config: %w", err)
	}
	if err := validateConfig.Struct(&t); err != nil {
		return Timeouts{}, fmt.Errorf("invalid timeout config: %w", err)
	}
	return t, nil
}

type hostConfig struct {
	engine        ports.Engine
	sheet         ports.SheetAPI
	storage       ports.Storage
	ui            ports.UI
	store         ports.PermissionStore
	prompter      ports.Prompter
	schemas       *schema.Registry
	timeouts      Timeouts
	engineVersion string
	logger        *logging.Logger
}

func defaultHostConfig() *hostConfig {
	return &hostConfig{
		timeouts:      DefaultTimeouts(),
		engineVersion: DefaultEngineVersion,
		logger:        logging.NewNop(),
	}
}

// Option configures a Host.
type Option func(*hostConfig)

// WithSheetAPI wires the spreadsheet capability collaborator.
func WithSheetAPI(s ports.SheetAPI) Option {
	return func(c *hostConfig) { c.sheet = s }
}

// WithStorage wires the per-extension private storage collaborator.
func WithStorage(s ports.Storage) Option {
	return func(c *hostConfig) { c.storage = s }
}

// WithUI wires the UI collaborator notified of panel disposal.
func WithUI(u ports.UI) Option {
	return func(c *hostConfig) { c.ui = u }
}

// WithPermissionStore sets the grant persistence backend.
func WithPermissionStore(s ports.PermissionStore) Option {
	return func(c *hostConfig) { c.store = s }
}

// WithPrompter sets the consent prompt collaborator.
func WithPrompter(p ports.Prompter) Option {
	return func(c *hostConfig) { c.prompter = p }
}

// WithContributionSchemas sets the registry used to validate manifest
// contribution payloads at load time.
func WithContributionSchemas(r *schema.Registry) Option {
	return func(c *hostConfig) { c.schemas = r }
}

// WithTimeouts overrides the per-category call budgets.
func WithTimeouts(t Timeouts) Option {
	return func(c *hostConfig) { c.timeouts = t }
}

// WithEngineVersion sets the host version checked against manifest engine
// ranges.
func WithEngineVersion(v string) Option {
	return func(c *hostConfig) { c.engineVersion = v }
}

// WithLogger sets the host logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *hostConfig) { c.logger = l }
}
