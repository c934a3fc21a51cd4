package sqlite

import (
	"context"
	"net/url"

	"github.com/sealedkv/vault"
)

// init registers this package against the "sqlite" spec_uri scheme
// (config.go's openBackend), the way database/sql drivers register
// themselves by side-effect import. Importing this package for its
// side effect is how a caller opts into the sqlite backend without
// the vault core package ever depending on it.
func init() {
	vault.RegisterBackend("sqlite", func(ctx context.Context, dsn string, query url.Values) (vault.Backend, error) {
		return Open(ctx, dsn, query)
	})
}
