// Package config provides shared configuration structures for the identity
// store, loaded from environment variables either through cleanenv tags or
// the GetEnv* helpers.
package config
