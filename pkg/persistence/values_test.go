package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueOptions(t *testing.T) {
	assert.False(t, Value{}.IsWriteOnly())
	assert.False(t, Value{}.IsOptional())

	v := Value{Options: OptionOptional | OptionWriteOnly}
	assert.True(t, v.IsWriteOnly())
	assert.True(t, v.IsOptional())
}

func TestKeyRendering(t *testing.T) {
	assert.Equal(t, "Variables/total", VariableKey("total"))
	assert.Equal(t, "Output/result", OutputKey("result"))
}

func TestIdentityFilterMatching(t *testing.T) {
	v1 := &DefinitionIdentity{Name: "orders", Version: "1.0.0"}
	v2 := &DefinitionIdentity{Name: "orders", Version: "2.0.0"}
	other := &DefinitionIdentity{Name: "billing", Version: "1.0.0"}

	tests := []struct {
		name   string
		filter IdentityFilter
		host   *DefinitionIdentity
		stored *DefinitionIdentity
		want   bool
	}{
		{"exact match", FilterExact, v1, v1, true},
		{"exact version mismatch", FilterExact, v1, v2, false},
		{"exact name mismatch", FilterExact, v1, other, false},
		{"exact nil vs nil", FilterExact, nil, nil, true},
		{"exact nil vs stored", FilterExact, nil, v1, false},
		{"any matches everything", FilterAny, v1, other, true},
		{"any matches nil", FilterAny, nil, nil, true},
		{"any revision same name", FilterAnyRevision, v1, v2, true},
		{"any revision name mismatch", FilterAnyRevision, v1, other, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.host, tt.stored))
		})
	}
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "orders", DefinitionIdentity{Name: "orders"}.String())
	assert.Equal(t, "orders@1.2.0", DefinitionIdentity{Name: "orders", Version: "1.2.0"}.String())
}

func TestFilterString(t *testing.T) {
	assert.Equal(t, "Exact", FilterExact.String())
	assert.Equal(t, "Any", FilterAny.String())
	assert.Equal(t, "AnyRevision", FilterAnyRevision.String())
}
