package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capsule/internal/ir"
)

const notesManifest = `
id: notes
name: Notes
version: 1.2.0
description: Keeps notes tidy
permissions:
  scripting: true
  tables: [notes, audit]
tables:
  - name: notes
    watch: true
    columns:
      - name: title
        type: TEXT
      - name: slug
        type: TEXT
        nullable: true
`

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(notesManifest))
	require.NoError(t, err)

	assert.Equal(t, "notes", m.ID)
	assert.Equal(t, "Notes", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.True(t, m.Permissions.Scripting)
	assert.Equal(t, []string{"notes", "audit"}, m.Permissions.Tables)
	require.Len(t, m.Tables, 1)
	assert.Equal(t, "notes", m.Tables[0].Name)
	assert.True(t, m.Tables[0].Watch)
	assert.Equal(t, ir.TypeText, m.Tables[0].Columns[0].Type)
	assert.True(t, m.Tables[0].Columns[1].Nullable)

	v := m.SemVer()
	require.NotNil(t, v)
	assert.Equal(t, uint64(2), v.Minor())
}

func TestParseManifest_Minimal(t *testing.T) {
	m, err := ParseManifest([]byte("id: tiny\nname: Tiny\nversion: 0.1.0\n"))
	require.NoError(t, err)
	assert.False(t, m.Permissions.Scripting)
	assert.Empty(t, m.Tables)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{name: "empty", input: "", contains: "empty"},
		{name: "not yaml", input: "id: [unclosed", contains: "invalid YAML"},
		{name: "missing name", input: "id: x\nversion: 1.0.0\n", contains: "schema violation"},
		{name: "bad id", input: "id: Has Spaces\nname: X\nversion: 1.0.0\n", contains: "schema violation"},
		{name: "unknown field", input: "id: x\nname: X\nversion: 1.0.0\nhomepage: nope\n", contains: "schema violation"},
		{name: "bad column type", input: "id: x\nname: X\nversion: 1.0.0\ntables:\n  - name: t\n    columns:\n      - {name: c, type: BLOB}\n", contains: "schema violation"},
		{name: "bad semver", input: "id: x\nname: X\nversion: one\n", contains: "version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, ir.IsValidation(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
