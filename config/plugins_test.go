package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/patchbay/status"
)

const samplePlugins = `
# patchbay plugins
*KERNEL
/opt/patchbay/kernel.so

*ALL
  /opt/patchbay/all.so
# disabled: /opt/patchbay/old.so
*TITLE0001
/opt/patchbay/title1.so
/opt/patchbay/title1-extra.so
*ALL
/opt/patchbay/all2.so
`

func TestParsePlugins(t *testing.T) {
	p, err := ParsePlugins(strings.NewReader(samplePlugins))
	require.NoError(t, err)

	assert.Equal(t, []Section{
		{Title: "KERNEL", Paths: []string{"/opt/patchbay/kernel.so"}},
		{Title: "ALL", Paths: []string{"/opt/patchbay/all.so"}},
		{Title: "TITLE0001", Paths: []string{"/opt/patchbay/title1.so", "/opt/patchbay/title1-extra.so"}},
		{Title: "ALL", Paths: []string{"/opt/patchbay/all2.so"}},
	}, p.Sections)
	assert.Equal(t, []string{"KERNEL", "ALL", "TITLE0001"}, p.Titles())
}

func TestForEachPlugin(t *testing.T) {
	p, err := ParsePlugins(strings.NewReader(samplePlugins))
	require.NoError(t, err)

	collect := func(title string) []string {
		var out []string
		require.NoError(t, p.ForEachPlugin(title, func(path string) error {
			out = append(out, path)
			return nil
		}))
		return out
	}

	assert.Equal(t, []string{"/opt/patchbay/kernel.so"}, collect(SectionKernel))
	assert.Equal(t, []string{
		"/opt/patchbay/all.so",
		"/opt/patchbay/title1.so",
		"/opt/patchbay/title1-extra.so",
		"/opt/patchbay/all2.so",
	}, collect("TITLE0001"))
	assert.Equal(t, []string{"/opt/patchbay/all.so", "/opt/patchbay/all2.so"}, collect("TITLE0002"))

	stop := errors.New("stop")
	calls := 0
	err = p.ForEachPlugin("TITLE0001", func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestParsePluginsErrors(t *testing.T) {
	cases := map[string]string{
		"path before section": "/opt/patchbay/a.so\n*ALL\n",
		"empty section":       "*ALL\n/a.so\n*  \n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlugins(strings.NewReader(text))
			assert.ErrorIs(t, err, status.ErrInvalidArgs)
		})
	}

	p, err := ParsePlugins(strings.NewReader("# nothing here\n\n"))
	require.NoError(t, err)
	assert.Empty(t, p.Sections)
}

func TestLoadPlugins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.txt")
	require.NoError(t, os.WriteFile(path, []byte(samplePlugins), 0o644))

	p, err := LoadPlugins(path)
	require.NoError(t, err)
	assert.Len(t, p.Sections, 4)

	_, err = LoadPlugins(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, status.ErrSystem)

	require.NoError(t, os.WriteFile(path, []byte("/orphan.so\n"), 0o644))
	_, err = LoadPlugins(path)
	assert.ErrorIs(t, err, status.ErrInvalidArgs)
}
