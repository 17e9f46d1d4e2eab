package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ToolsRouter mounts the tool discovery endpoints: list tools and a single
// tool's schema.
func ToolsRouter(deps Deps) http.Handler {
	routes := &toolRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/", routes.list)
	r.Get("/{name}", routes.get)
	return r
}

type toolRoutes struct {
	deps Deps
}

func (t *toolRoutes) list(w http.ResponseWriter, r *http.Request) {
	includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("include_hidden"))

	var tools []map[string]interface{}
	for _, d := range t.deps.Registry.List() {
		if d.Hidden && !includeHidden {
			continue
		}
		tools = append(tools, map[string]interface{}{
			"name":          d.SimpleName,
			"full_name":     d.FullName,
			"resource_type": d.ResourceType,
			"stateless":     d.Stateless(),
			"description":   d.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools, "count": len(tools)})
}

func (t *toolRoutes) get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := t.deps.Registry.Get(name)
	if !ok {
		if resolved, ambiguous, _ := t.deps.Registry.Resolve(t.deps.Registry.NormalizeToolName(name)); resolved != nil && !ambiguous {
			d = resolved
			ok = true
		}
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tool not found: " + name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":          d.SimpleName,
		"full_name":     d.FullName,
		"resource_type": d.ResourceType,
		"stateless":     d.Stateless(),
		"description":   d.Description,
		"hidden":        d.Hidden,
		"schema":        d.Schema,
	})
}
