// Package registry holds the tool descriptor tables: canonical
// "resource:action" names, a simple-name index for prefix-free lookups, and
// the per-tool capability set the dispatcher uses to decide what to inject.
//
// Tools are registered explicitly by each backend's RegisterTools(reg)
// method rather than discovered by reflection, so a misconfigured tool
// fails at startup instead of silently vanishing from the tool list.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Capability flags the runtime values a tool handler needs injected into
// its params before it runs. Declared explicitly at registration instead of
// inferred from a function signature.
type Capability uint8

const (
	CapNeedsWorkerID Capability = 1 << iota
	CapNeedsTraceID
	CapNeedsSessionID
	CapNeedsSessionInfo
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// Handler is a registered tool's business logic. params is the caller's
// request payload merged with whatever the dispatcher injected per the
// descriptor's Capabilities; the returned value becomes the envelope's
// data field.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Descriptor describes one registered tool.
type Descriptor struct {
	FullName     string
	SimpleName   string
	ResourceType string // empty for stateless tools
	Description  string
	Hidden       bool
	Schema       map[string]interface{}
	Capabilities Capability
	Handler      Handler
}

// Stateless reports whether the tool requires no session routing.
func (d *Descriptor) Stateless() bool { return d.ResourceType == "" }

// Registry holds every registered tool's descriptor plus the indexes the
// dispatcher uses to resolve a bare action name to a full name.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Descriptor
	nameIndex map[string][]string
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Descriptor),
		nameIndex: make(map[string][]string),
	}
}

// Register adds d to the registry. name may be a canonical "resource:action"
// string, in which case resourceType is derived from the prefix and
// overrides d.ResourceType; otherwise resourceType (if non-empty) is used as
// a prefix to build the full name.
func (r *Registry) Register(name string, resourceType string, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fullName := name
	simpleName := name
	rt := resourceType

	if idx := strings.Index(name, ":"); idx >= 0 {
		rt = name[:idx]
		simpleName = name[idx+1:]
		fullName = name
	} else if resourceType != "" {
		fullName = resourceType + ":" + name
	}

	if _, exists := r.tools[fullName]; exists {
		return fmt.Errorf("registry: tool %q already registered", fullName)
	}

	d.FullName = fullName
	d.SimpleName = simpleName
	d.ResourceType = rt

	r.tools[fullName] = &d
	r.nameIndex[simpleName] = append(r.nameIndex[simpleName], fullName)
	return nil
}

// MustRegister registers d and panics on error; intended for package-level
// registration calls during backend setup where a name collision is a
// programming error, not a runtime condition.
func (r *Registry) MustRegister(name string, resourceType string, d Descriptor) {
	if err := r.Register(name, resourceType, d); err != nil {
		panic(err)
	}
}

// Get returns the descriptor registered under the exact full name.
func (r *Registry) Get(fullName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[fullName]
	return d, ok
}

// List returns every registered descriptor, sorted by full name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// resourcePrefixesLocked collects the set of known resource-type prefixes
// from every registered full name. Caller must hold r.mu.
func (r *Registry) resourcePrefixesLocked() map[string]struct{} {
	prefixes := make(map[string]struct{})
	for fullName := range r.tools {
		if idx := strings.Index(fullName, ":"); idx >= 0 {
			prefixes[fullName[:idx]] = struct{}{}
		}
	}
	return prefixes
}

// NormalizeToolName rewrites "resource.action" or "resource_action" into
// "resource:action" when the left-hand side is a known resource-type prefix
// and the rewritten name is registered. Names that already contain ":", or
// that don't match a known prefix, pass through unchanged — this asymmetry
// (only resource-prefixed variants get rewritten, never stateless tool
// names containing "_") is intentional: stateless tool names routinely
// contain underscores that are not resource-type separators.
func (r *Registry) NormalizeToolName(action string) string {
	if strings.Contains(action, ":") {
		return action
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes := r.resourcePrefixesLocked()
	for _, sep := range []string{".", "_"} {
		idx := strings.Index(action, sep)
		if idx < 0 {
			continue
		}
		prefix, suffix := action[:idx], action[idx+1:]
		candidate := prefix + ":" + suffix
		if _, known := prefixes[prefix]; !known {
			continue
		}
		if _, ok := r.tools[candidate]; ok {
			return candidate
		}
	}
	return action
}

// Resolve looks up action (after normalization should already have been
// applied by the caller) against the full-name table, then the simple-name
// index. It returns ambiguous=true with the candidate full names when a
// simple name matches more than one resource type.
func (r *Registry) Resolve(action string) (d *Descriptor, ambiguous bool, candidates []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if found, ok := r.tools[action]; ok {
		return found, false, nil
	}

	if strings.Contains(action, ":") {
		return nil, false, nil
	}

	names, ok := r.nameIndex[action]
	if !ok {
		return nil, false, nil
	}
	if len(names) == 1 {
		return r.tools[names[0]], false, nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return nil, true, sorted
}
