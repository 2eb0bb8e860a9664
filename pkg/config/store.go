package config

// StoreConfig holds identity store behavior configuration
type StoreConfig struct {
	// AutoFlush commits and clears the unit of work after every mutating
	// store operation. Turn off to batch several store calls into one
	// transaction ended by an explicit Flush.
	AutoFlush bool `env:"IDENTITY_AUTO_FLUSH" env-default:"true"`
}

// NewStoreConfigFromEnv creates a StoreConfig from environment variables
func NewStoreConfigFromEnv() StoreConfig {
	return StoreConfig{
		AutoFlush: GetEnvBool("IDENTITY_AUTO_FLUSH", true),
	}
}
