package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/backend"
)

// ServerSpec describes one tool server to register with the gateway.
// It is the pipeline-level equivalent of config.BackendConfig, kept
// separate so callers (config loading, an admin API) don't have to
// depend on internal/config just to register a server at runtime.
type ServerSpec struct {
	Name             string
	Prefix           string
	Kind             string // "http" or "stdio"
	Address          string // http base URL
	Command          []string
	Env              map[string]string
	WorkDir          string
	CallTimeout      time.Duration
	DiscoveryTimeout time.Duration
	RequestsPerSecond float64
	Burst            int
	// AuthHeader and AuthToken, if both set, are added to every request
	// an http backend sends to this server.
	AuthHeader string
	AuthToken  string
}

// RegisterServer builds the backend transport for spec, makes it
// routable in the in-memory registry, and persists the registration to
// the audit store. The audit record is written first: a server that's
// routable but unrecorded would be invisible to review; a recorded
// server that failed to become routable is a registration the caller
// can retry or deregister.
func (p *Pipeline) RegisterServer(ctx context.Context, spec ServerSpec) (*audit.ServerRegistration, error) {
	if existing, ok := p.backends.HasOverlap(spec.Prefix); ok {
		return nil, &backend.ErrPrefixOverlap{New: spec.Prefix, Existing: existing}
	}

	b, err := spec.buildBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("build backend for %s: %w", spec.Name, err)
	}

	return p.registerBuilt(ctx, spec, b)
}

// registerBuilt persists and routes an already-constructed backend. It
// is split out from RegisterServer so tests can exercise the
// persist-then-route bookkeeping with a stub Backend instead of a real
// network or child-process transport.
func (p *Pipeline) registerBuilt(ctx context.Context, spec ServerSpec, b backend.Backend) (*audit.ServerRegistration, error) {
	reg, err := p.store.RegisterServer(ctx, &audit.ServerRegistration{
		Name:        spec.Name,
		Prefix:      spec.Prefix,
		Kind:        spec.Kind,
		BaseAddress: spec.Address,
		AuthHeader:  spec.AuthHeader,
		AuthToken:   spec.AuthToken,
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("persist server registration: %w", err)
	}

	if err := p.backends.Register(spec.Name, spec.Prefix, b); err != nil {
		_ = b.Close()
		_ = p.store.DeregisterServer(ctx, spec.Name)
		return nil, fmt.Errorf("route server %s: %w", spec.Name, err)
	}

	return reg, nil
}

// SyncCatalog discovers serverName's tools via its backend's
// list_tools call, namespaces any bare tool names under the server's
// registered prefix, and atomically replaces the stored catalog for
// that server. It is the only mutation of the tool catalog.
func (p *Pipeline) SyncCatalog(ctx context.Context, serverName string) ([]audit.CatalogTool, error) {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	var prefix string
	found := false
	for _, s := range servers {
		if s.Name == serverName {
			prefix = s.Prefix
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}

	contracts, err := p.backends.ListTools(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("discover tools from %s: %w", serverName, err)
	}

	catalog := make([]audit.CatalogTool, 0, len(contracts))
	for _, c := range contracts {
		name := c.Name
		if !strings.HasPrefix(name, prefix) {
			name = prefix + name
		}
		catalog = append(catalog, audit.CatalogTool{
			ServerName:  serverName,
			Name:        name,
			Description: c.Description,
			InputSchema: c.InputSchema,
		})
	}

	if err := p.store.ReplaceCatalog(ctx, serverName, catalog); err != nil {
		return nil, fmt.Errorf("replace catalog for %s: %w", serverName, err)
	}
	return catalog, nil
}

// DeregisterServer removes a server from both the routing table and
// the audit store. A name with no stored registration is an
// *audit.ErrNotFound.
func (p *Pipeline) DeregisterServer(ctx context.Context, name string) error {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	found := false
	for _, s := range servers {
		if s.Name == name {
			found = true
			break
		}
	}
	if !found {
		return &audit.ErrNotFound{Kind: "server", ID: name}
	}
	if err := p.backends.Deregister(name); err != nil {
		return fmt.Errorf("deregister route %s: %w", name, err)
	}
	if err := p.store.DeregisterServer(ctx, name); err != nil {
		return fmt.Errorf("deregister audit record %s: %w", name, err)
	}
	return nil
}

func (spec ServerSpec) buildBackend(ctx context.Context) (backend.Backend, error) {
	switch spec.Kind {
	case "http":
		return backend.NewHTTPBackend(backend.HTTPConfig{
			Name:             spec.Name,
			BaseURL:          spec.Address,
			CallTimeout:      spec.CallTimeout,
			DiscoveryTimeout: spec.DiscoveryTimeout,
			RateLimit:        rate.Limit(spec.RequestsPerSecond),
			Burst:            spec.Burst,
			AuthHeader:       spec.AuthHeader,
			AuthToken:        spec.AuthToken,
		})
	case "stdio":
		return backend.NewStdioBackend(ctx, backend.StdioConfig{
			Name:        spec.Name,
			Command:     spec.Command,
			Env:         spec.Env,
			WorkDir:     spec.WorkDir,
			CallTimeout: spec.CallTimeout,
			RateLimit:   rate.Limit(spec.RequestsPerSecond),
			Burst:       spec.Burst,
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", spec.Kind)
	}
}
