package provider

import (
	"testing"

	"github.com/fluxfn/fluxfn/pkg/engine"
)

func hookEntity(id string, data engine.Data) *engine.Entity {
	return &engine.Entity{
		EntityKey: engine.EntityKey{
			AccountID:      "acc-1",
			SubscriptionID: "sub-1",
			ID:             id,
		},
		EntityType: engine.EntityTypeConnector,
		Data:       data,
	}
}

func TestSanitize(t *testing.T) {
	h := NewConnectorHooks()

	cases := []struct {
		name    string
		entity  *engine.Entity
		wantErr bool
	}{
		{
			name:   "no files is valid",
			entity: hookEntity("conn-1", engine.Data{}),
		},
		{
			name: "handler among files",
			entity: hookEntity("conn-1", engine.Data{
				"handler": "main.js",
				"files":   map[string]interface{}{"main.js": "x"},
			}),
		},
		{
			name: "default handler must exist",
			entity: hookEntity("conn-1", engine.Data{
				"files": map[string]interface{}{"other.js": "x"},
			}),
			wantErr: true,
		},
		{
			name:    "empty id",
			entity:  hookEntity("", engine.Data{}),
			wantErr: true,
		},
		{
			name:    "whitespace in id",
			entity:  hookEntity("conn 1", engine.Data{}),
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Sanitize(tc.entity)
			if tc.wantErr && !engine.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildFunctionSpec(t *testing.T) {
	h := NewIntegrationHooks()

	entity := hookEntity("integ-1", engine.Data{
		"handler": "integration.js",
		"files": map[string]interface{}{
			"integration.js": "module.exports = {}",
			"package.json":   "{}",
		},
		"configuration": map[string]interface{}{"retries": 3},
		"schedule": map[string]interface{}{
			"cron":     "0 * * * *",
			"timezone": "UTC",
		},
	})

	spec, err := h.BuildFunctionSpec(entity)
	if err != nil {
		t.Fatalf("BuildFunctionSpec: %v", err)
	}
	if spec.ID != "integ-1" || spec.Handler != "integration.js" {
		t.Errorf("unexpected spec identity: %+v", spec)
	}
	if len(spec.Files) != 2 {
		t.Errorf("expected 2 files, got %d", len(spec.Files))
	}
	if spec.Configuration["retries"] != 3 {
		t.Errorf("configuration not carried: %v", spec.Configuration)
	}
	if spec.Schedule == nil || spec.Schedule.Cron != "0 * * * *" || spec.Schedule.Timezone != "UTC" {
		t.Errorf("schedule not carried: %+v", spec.Schedule)
	}
}

func TestBuildFunctionSpec_NoFiles(t *testing.T) {
	h := NewConnectorHooks()

	spec, err := h.BuildFunctionSpec(hookEntity("conn-1", engine.Data{}))
	if err != nil {
		t.Fatalf("BuildFunctionSpec: %v", err)
	}
	if spec != nil {
		t.Errorf("expected nil spec for functionless entity, got %+v", spec)
	}
}

func TestBuildFunctionSpec_DefaultHandler(t *testing.T) {
	h := NewConnectorHooks()

	spec, err := h.BuildFunctionSpec(hookEntity("conn-1", engine.Data{
		"files": map[string]interface{}{"index.js": "x"},
	}))
	if err != nil {
		t.Fatalf("BuildFunctionSpec: %v", err)
	}
	if spec.Handler != "index.js" {
		t.Errorf("expected default handler, got %q", spec.Handler)
	}
}

func TestSecuritySpec(t *testing.T) {
	integ := NewIntegrationHooks().SecuritySpec(hookEntity("integ-1", nil))
	perms, ok := integ["permissions"].([]interface{})
	if !ok || len(perms) != 2 {
		t.Fatalf("unexpected integration permissions: %v", integ)
	}

	conn := NewConnectorHooks().SecuritySpec(hookEntity("conn-1", nil))
	perms, ok = conn["permissions"].([]interface{})
	if !ok || len(perms) != 1 {
		t.Fatalf("unexpected connector permissions: %v", conn)
	}
	grant := perms[0].(map[string]interface{})
	if grant["action"] != "identity:*" || grant["resource"] != "conn-1" {
		t.Errorf("unexpected connector grant: %v", grant)
	}
}

func TestEntityType(t *testing.T) {
	if NewIntegrationHooks().EntityType() != engine.EntityTypeIntegration {
		t.Error("integration hooks misreport their kind")
	}
	if NewConnectorHooks().EntityType() != engine.EntityTypeConnector {
		t.Error("connector hooks misreport their kind")
	}
}
