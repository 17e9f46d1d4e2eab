package tools

import (
	"github.com/stacklok/sandboxd/pkg/logger"
	"github.com/stacklok/sandboxd/pkg/registry"
)

// entry pairs a stateless tool with the apis config subsection it reads,
// mirroring the reference implementation's @register_api_tool(name,
// config_key=...) decorator without the reflective scan: every stateless
// tool this service exposes is listed here explicitly.
type entry struct {
	name      string
	configKey string
	tool      Tool
}

// RegisterAll registers every stateless tool against reg, injecting each
// one's "apis.<config_key>" subsection via Configurable.SetConfig before
// wiring its Handler. Every Configurable tool receives a SetConfig call;
// when its subsection is absent it gets an empty map.
func RegisterAll(reg *registry.Registry, apisConfig map[string]interface{}) int {
	entries := []entry{
		{name: "search", configKey: "websearch", tool: NewSearchTool()},
		{name: "visit", configKey: "fetch", tool: NewVisitTool()},
		{name: "read", configKey: "docsearch", tool: NewDocReadTool()},
		{name: "inspect", configKey: "data_analysis", tool: NewDataAnalysisTool()},
	}

	count := 0
	for _, e := range entries {
		config := configSection(apisConfig, e.configKey)
		if configurable, ok := e.tool.(Configurable); ok {
			configurable.SetConfig(config)
		}
		reg.MustRegister(e.name, "", registry.Descriptor{Handler: Handler(e.name, e.tool)})
		logger.Infof("Registered API tool: %s (config_key=%s)", e.name, e.configKey)
		count++
	}
	logger.Infof("Registered %d API tools", count)
	return count
}

func configSection(apisConfig map[string]interface{}, key string) map[string]interface{} {
	raw, ok := apisConfig[key]
	if !ok {
		return map[string]interface{}{}
	}
	section, ok := raw.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(section))
	for k, v := range section {
		out[k] = v
	}
	return out
}
