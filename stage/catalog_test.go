package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedientes/folder"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	require.Equal(t, 16, c.Len())
	byPhase := c.ByPhase()
	assert.Len(t, byPhase[folder.PhasePrejudicial], 4)
	assert.Len(t, byPhase[folder.PhaseJudicial], 12)

	defs := c.Definitions()
	for i := 1; i < len(defs); i++ {
		assert.Greater(t, defs[i].Order, defs[i-1].Order, "order must increase at %q", defs[i].Name)
	}

	def, ok := c.Lookup("Negociación")
	require.True(t, ok)
	assert.Equal(t, Definition{Name: "Negociación", Phase: folder.PhasePrejudicial, Order: 2}, def)

	def, ok = c.Lookup("Archivo")
	require.True(t, ok)
	assert.Equal(t, 16, def.Order)

	_, ok = c.Lookup("Casación")
	assert.False(t, ok)
}

func TestDefinitionsReturnsCopy(t *testing.T) {
	c := DefaultCatalog()
	defs := c.Definitions()
	defs[0].Name = "mutated"

	_, ok := c.Lookup("Intimación")
	assert.True(t, ok)
	assert.Equal(t, "Intimación", c.Definitions()[0].Name)
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":          `stages: []`,
		"unknown phase":  "stages:\n  - {name: A, phase: appeal, order: 1}\n",
		"blank name":     "stages:\n  - {name: ' ', phase: judicial, order: 1}\n",
		"duplicate name": "stages:\n  - {name: A, phase: judicial, order: 1}\n  - {name: A, phase: judicial, order: 2}\n",
		"order repeats":  "stages:\n  - {name: A, phase: judicial, order: 1}\n  - {name: B, phase: judicial, order: 1}\n",
		"phase inverted": "stages:\n  - {name: A, phase: judicial, order: 1}\n  - {name: B, phase: prejudicial, order: 2}\n",
		"not yaml":       "stages: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	doc := "stages:\n" +
		"  - {name: Reclamo, phase: prejudicial, order: 10}\n" +
		"  - {name: Demanda, phase: judicial, order: 20}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	def, ok := c.Lookup("Demanda")
	require.True(t, ok)
	assert.Equal(t, folder.PhaseJudicial, def.Phase)

	c, err = LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, 16, c.Len())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
