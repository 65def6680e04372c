package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is the capability interface a tool-server registration is
// backed by. Implementations own their own connection lifecycle;
// callers must call Close when a backend is deregistered.
type Backend interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]ToolContract, error)
	Close() error
}

// ErrPrefixOverlap is returned when registering a server whose prefix
// overlaps an already-registered one.
type ErrPrefixOverlap struct {
	New      string
	Existing string
}

func (e *ErrPrefixOverlap) Error() string {
	return fmt.Sprintf("tool prefix %q overlaps existing prefix %q", e.New, e.Existing)
}

// registration pairs a backend with the prefix it was registered under.
type registration struct {
	name    string
	prefix  string
	backend Backend
}

// Registry routes tool names to backends by longest matching
// registered prefix, and enforces that no two registered prefixes
// overlap (neither is a prefix of the other).
type Registry struct {
	mu   sync.RWMutex
	regs []registration
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// HasOverlap reports whether prefix overlaps an already-registered
// prefix (in either direction), and if so, the conflicting prefix.
// Callers that build an expensive backend transport can check this
// first and skip the work entirely on a known-bad prefix.
func (r *Registry) HasOverlap(prefix string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, existing := range r.regs {
		if strings.HasPrefix(prefix, existing.prefix) || strings.HasPrefix(existing.prefix, prefix) {
			return existing.prefix, true
		}
	}
	return "", false
}

// Register adds a backend under the given name and tool-name prefix.
// It fails if the prefix overlaps an already-registered prefix.
func (r *Registry) Register(name, prefix string, b Backend) error {
	if prefix == "" {
		return fmt.Errorf("tool prefix must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.regs {
		if strings.HasPrefix(prefix, existing.prefix) || strings.HasPrefix(existing.prefix, prefix) {
			return &ErrPrefixOverlap{New: prefix, Existing: existing.prefix}
		}
	}

	r.regs = append(r.regs, registration{name: name, prefix: prefix, backend: b})
	sort.Slice(r.regs, func(i, j int) bool {
		return len(r.regs[i].prefix) > len(r.regs[j].prefix)
	})
	return nil
}

// Deregister removes a registration by name, closing its backend.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.regs {
		if reg.name == name {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return reg.backend.Close()
		}
	}
	return fmt.Errorf("no backend registered as %q", name)
}

// Resolve returns the backend responsible for tool, chosen by longest
// matching registered prefix.
func (r *Registry) Resolve(tool string) (Backend, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.regs {
		if strings.HasPrefix(tool, reg.prefix) {
			return reg.backend, reg.name, true
		}
	}
	return nil, "", false
}

// CallTool resolves tool to a backend by prefix and invokes it.
func (r *Registry) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	b, _, ok := r.Resolve(tool)
	if !ok {
		return nil, fmt.Errorf("no backend registered for tool %q", tool)
	}
	return b.CallTool(ctx, tool, args)
}

// ListTools lists tool contracts for one registered server, or for all
// servers when name is empty.
func (r *Registry) ListTools(ctx context.Context, name string) ([]ToolContract, error) {
	r.mu.RLock()
	regs := make([]registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	var all []ToolContract
	for _, reg := range regs {
		if name != "" && reg.name != name {
			continue
		}
		tools, err := reg.backend.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", reg.name, err)
		}
		for _, tool := range tools {
			if err := ValidateContract(tool); err != nil {
				return nil, fmt.Errorf("discovery sync from %s: %w", reg.name, err)
			}
		}
		all = append(all, tools...)
	}
	return all, nil
}
