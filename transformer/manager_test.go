package transformer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/eds-sync/config"
)

func TestManagerLookup(t *testing.T) {
	m, err := NewManager(map[string]config.Conversion{
		"wetwell_ft": {ScriptCode: `function convert(v) { return inchesToFeet(v) + 249.5; }`},
	})
	require.NoError(t, err)

	fn, err := m.Lookup("wetwell_ft")
	require.NoError(t, err)
	assert.InDelta(t, 251.5, fn(24), 1e-9)

	none, err := m.Lookup("")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = m.Lookup("missing")
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestManagerScriptPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "double.js")
	require.NoError(t, os.WriteFile(path, []byte(`function convert(v) { return v * 2; }`), 0644))

	m, err := NewManager(map[string]config.Conversion{"double": {ScriptPath: path}})
	require.NoError(t, err)

	fn, err := m.Lookup("double")
	require.NoError(t, err)
	assert.Equal(t, 8.0, fn(4))
}

func TestManagerInvalidScripts(t *testing.T) {
	tests := map[string]config.Conversion{
		"empty":        {},
		"syntax":       {ScriptCode: `function convert(v) {`},
		"no function":  {ScriptCode: `var convert = 3;`},
		"missing file": {ScriptPath: filepath.Join(t.TempDir(), "nope.js")},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(map[string]config.Conversion{name: cfg})
			assert.ErrorIs(t, err, config.ErrConfiguration)
		})
	}
}

func TestConversionScriptErrorYieldsBadSample(t *testing.T) {
	m, err := NewManager(map[string]config.Conversion{
		"throws": {ScriptCode: `function convert(v) { throw new Error("boom"); }`},
	})
	require.NoError(t, err)

	fn, err := m.Lookup("throws")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(fn(1)))

	out := ApplyUnitConversion([]Sample{{Value: 1, Quality: Good}}, fn)
	assert.Equal(t, Bad, out[0].Quality)
}

func TestReloadConversion(t *testing.T) {
	m, err := NewManager(map[string]config.Conversion{
		"c": {ScriptCode: `function convert(v) { return v + 1; }`},
	})
	require.NoError(t, err)

	require.NoError(t, m.ReloadConversion("c", config.Conversion{ScriptCode: `function convert(v) { return v + 2; }`}))

	fn, err := m.Lookup("c")
	require.NoError(t, err)
	assert.Equal(t, 3.0, fn(1))

	assert.Error(t, m.ReloadConversion("c", config.Conversion{ScriptCode: `nope(`}))
	fn, err = m.Lookup("c")
	require.NoError(t, err)
	assert.Equal(t, 3.0, fn(1), "failed reload must keep the previous script")
}

func TestManagerLookupIgnoresCase(t *testing.T) {
	m, err := NewManager(map[string]config.Conversion{
		"wetwell": {ScriptCode: `function convert(v) { return v / 12; }`},
	})
	require.NoError(t, err)

	fn, err := m.Lookup("WetWell")
	require.NoError(t, err)
	assert.Equal(t, 2.0, fn(24))
}
