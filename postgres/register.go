package postgres

import (
	"context"
	"net/url"

	"github.com/sealedkv/vault"
)

// init registers this package against the "postgres" spec_uri scheme
// (config.go's openBackend), the same side-effect-import discovery
// sqlite/register.go uses for "sqlite".
func init() {
	vault.RegisterBackend("postgres", func(ctx context.Context, dsn string, query url.Values) (vault.Backend, error) {
		return Open(ctx, dsn, query)
	})
}
