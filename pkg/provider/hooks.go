package provider

import (
	"strings"

	"github.com/fluxfn/fluxfn/pkg/engine"
)

// Per-kind hooks deriving function specs from entity payloads. An entity's
// data carries its function under "files" (name to source), "handler",
// "configuration" and an optional "schedule".

// defaultHandler is assumed when an entity declares files but no handler.
const defaultHandler = "index.js"

type baseHooks struct {
	kind engine.EntityType
}

func (h baseHooks) EntityType() engine.EntityType {
	return h.kind
}

// Sanitize validates the function material an entity declares. Entities
// without files are valid and simply get no hosted function.
func (h baseHooks) Sanitize(entity *engine.Entity) error {
	if entity.ID == "" {
		return engine.NewValidationError("entity id is required")
	}
	if strings.ContainsAny(entity.ID, " \t\n") {
		return engine.NewValidationError("entity id '%s' must not contain whitespace", entity.ID)
	}
	files := entityFiles(entity)
	if files == nil {
		return nil
	}
	handler := entityHandler(entity)
	if _, ok := files[handler]; !ok {
		return engine.NewValidationError(
			"entity '%s' names handler '%s' but has no such file", entity.ID, handler)
	}
	return nil
}

// BuildFunctionSpec derives the provisioning spec from the entity payload.
// Returns nil when the entity hosts no function.
func (h baseHooks) BuildFunctionSpec(entity *engine.Entity) (*engine.FunctionSpec, error) {
	files := entityFiles(entity)
	if files == nil {
		return nil, nil
	}
	spec := &engine.FunctionSpec{
		ID:      entity.ID,
		Files:   files,
		Handler: entityHandler(entity),
	}
	if cfg, ok := entity.Data["configuration"].(map[string]interface{}); ok {
		spec.Configuration = engine.Data(cfg)
	}
	if sched, ok := entity.Data["schedule"].(map[string]interface{}); ok {
		cron, _ := sched["cron"].(string)
		if cron != "" {
			tz, _ := sched["timezone"].(string)
			spec.Schedule = &engine.FunctionSchedule{Cron: cron, Timezone: tz}
		}
	}
	return spec, nil
}

func entityFiles(entity *engine.Entity) map[string]string {
	raw, ok := entity.Data["files"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	files := make(map[string]string, len(raw))
	for name, content := range raw {
		text, ok := content.(string)
		if !ok {
			continue
		}
		files[name] = text
	}
	return files
}

func entityHandler(entity *engine.Entity) string {
	if handler, ok := entity.Data["handler"].(string); ok && handler != "" {
		return handler
	}
	return defaultHandler
}

// IntegrationHooks is the hook set for workflow-root integrations.
type IntegrationHooks struct {
	baseHooks
}

// NewIntegrationHooks creates hooks for the integration kind.
func NewIntegrationHooks() IntegrationHooks {
	return IntegrationHooks{baseHooks{kind: engine.EntityTypeIntegration}}
}

// SecuritySpec grants an integration's function permission to manage its
// own instances and reach its configured connectors.
func (h IntegrationHooks) SecuritySpec(entity *engine.Entity) engine.Data {
	return engine.Data{
		"permissions": []interface{}{
			map[string]interface{}{"action": "instance:*", "resource": entity.ID},
			map[string]interface{}{"action": "connector:execute", "resource": ""},
		},
	}
}

// ConnectorHooks is the hook set for connectors.
type ConnectorHooks struct {
	baseHooks
}

// NewConnectorHooks creates hooks for the connector kind.
func NewConnectorHooks() ConnectorHooks {
	return ConnectorHooks{baseHooks{kind: engine.EntityTypeConnector}}
}

// SecuritySpec grants a connector's function permission to manage the
// identities it provisions.
func (h ConnectorHooks) SecuritySpec(entity *engine.Entity) engine.Data {
	return engine.Data{
		"permissions": []interface{}{
			map[string]interface{}{"action": "identity:*", "resource": entity.ID},
		},
	}
}
