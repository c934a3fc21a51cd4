package vault

import (
	"context"
	"net/url"
	"sync"
)

// BackendFactory constructs a Backend from a parsed spec URI. Backend
// driver packages (sqlite, postgres) register one via RegisterBackend
// in their init(), the same discovery pattern database/sql uses for
// drivers: the core package never imports a concrete driver, so a
// binary only pulls in the backend(s) it actually uses.
type BackendFactory func(ctx context.Context, dsn string, query url.Values) (Backend, error)

var (
	backendMu       sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend associates scheme (the spec_uri scheme, e.g.
// "sqlite" or "postgres") with a factory. Calling it twice for the
// same scheme overwrites the previous registration, matching
// database/sql's driver-registration tolerance of test re-imports.
func RegisterBackend(scheme string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[scheme] = factory
}

// openBackend parses a spec_uri ("scheme://host/path?query") and
// dispatches to the registered factory for its scheme. Recognized
// query parameters are backend-specific (cache_size, max_connections,
// min_connections, connect_timeout among them); openBackend only
// splits the URI, it never interprets the query itself.
func openBackend(ctx context.Context, specURI string) (Backend, error) {
	u, err := url.Parse(specURI)
	if err != nil {
		return nil, wrapErr(KindInput, err, "malformed spec_uri %q", specURI)
	}
	if u.Scheme == "" {
		return nil, newErr(KindInput, "spec_uri %q has no scheme", specURI)
	}

	backendMu.RLock()
	factory, ok := backendFactories[u.Scheme]
	backendMu.RUnlock()
	if !ok {
		return nil, newErr(KindUnsupported, "no backend registered for scheme %q", u.Scheme)
	}

	dsn := u.Opaque
	if dsn == "" {
		dsn = u.Host + u.Path
		if u.User != nil {
			dsn = u.User.String() + "@" + dsn
		}
	}
	return factory(ctx, dsn, u.Query())
}
