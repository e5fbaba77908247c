package config

import "context"

// SecretProvider abstracts the retrieval of secrets so the loader can resolve
// _SECRET_REF variables from a managed store in production and plain
// environment variables in local development. The interface enables
// dependency injection for testing.
type SecretProvider interface {
	// GetParametersBatch retrieves multiple secret values in one call to
	// avoid throttling. The keys slice contains the store paths (or
	// equivalent identifiers) to resolve. Returns a map of key -> plaintext
	// value for all successfully resolved parameters.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
