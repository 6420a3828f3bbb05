package schemavalidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestRegistry_Validate_PassesConformingPayload(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Account", accountSchema))

	err := r.Validate([]string{"Account"}, "demo_account", map[string]any{"name": "Ada", "age": 30})
	assert.NoError(t, err)
}

func TestRegistry_Validate_RejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Account", accountSchema))

	err := r.Validate([]string{"Account"}, "demo_account", map[string]any{"age": 30})
	assert.Error(t, err)
}

func TestRegistry_Validate_RejectsWrongType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Account", accountSchema))

	err := r.Validate([]string{"Account"}, "demo_account", map[string]any{"name": "Ada", "age": "thirty"})
	assert.Error(t, err)
}

func TestRegistry_Validate_UnregisteredClassIsAdmitted(t *testing.T) {
	r := NewRegistry()
	err := r.Validate([]string{"Widget"}, "demo_widget", map[string]any{"whatever": 1})
	assert.NoError(t, err)
}

func TestRegistry_Register_RejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register("Broken", `{"type": "not-a-real-type"}`)
	assert.Error(t, err)
}
