package docsync

import (
	"encoding/json"
	"os"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/txn"
	"github.com/autom8ter/docsync/util"
)

// Config configures a Client
type Config struct {
	// ProjectID and DatabaseID name the remote database. They are attached to every log line.
	ProjectID  string `json:"projectId" validate:"required"`
	DatabaseID string `json:"databaseId" validate:"required"`
	// Provider is the name of the registered kv provider backing the local store, ie badger or redis
	Provider string `json:"provider" validate:"required"`
	// ProviderParams are passed to the provider. badger: storage_path (in memory if empty).
	// redis: addr, username, password, db, namespace.
	ProviderParams map[string]any `json:"providerParams"`
	LogLevel       string         `json:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LogFields      map[string]any `json:"logFields"`
	// Transactions are the default retry options of RunTransaction
	Transactions txn.Options `json:"transactions"`
}

// DefaultConfig returns a config for an in memory local store
func DefaultConfig() Config {
	return Config{
		DatabaseID:     "(default)",
		Provider:       "badger",
		ProviderParams: map[string]any{},
		LogLevel:       "info",
		LogFields:      map[string]any{},
		Transactions:   txn.DefaultOptions(),
	}
}

// LoadConfig decodes values over DefaultConfig and validates the result. Durations may be given as
// strings like "1.5s".
func LoadConfig(values map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if err := util.Decode(values, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.InvalidArgument, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile loads a yaml or json config file
func LoadConfigFile(path string) (Config, error) {
	bits, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.InvalidArgument, "failed to read config file %s", path)
	}
	jsonBits, err := util.YAMLToJSON(bits)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.InvalidArgument, "failed to parse config file %s", path)
	}
	values := map[string]any{}
	if err := json.Unmarshal(jsonBits, &values); err != nil {
		return Config{}, errors.Wrap(err, errors.InvalidArgument, "config file %s is not an object", path)
	}
	return LoadConfig(values)
}

// Validate checks the config's validate tags
func (c Config) Validate() error {
	return errors.Wrap(util.ValidateStruct(c), errors.InvalidArgument, "invalid config")
}
