package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchSets(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a/patch.yaml", "a/lib/entry.hqf", "b/patch.yaml", "b/so/libfix.so"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	join := func(name string) string {
		return filepath.Join(dir, name)
	}

	sets, err := patchSets(t.Context(),
		[]string{join("a/**"), join("a/patch.yaml")},
		[]string{join("b/patch.yaml") + ", " + join("b/**/*.so"), join("b")},
	)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{join("a/lib/entry.hqf"), join("a/patch.yaml")},
		{join("b/patch.yaml"), join("b/so/libfix.so")},
		{join("b/patch.yaml"), join("b/so/libfix.so")},
	}, sets)

	_, err = patchSets(t.Context(), nil, nil)
	require.EqualError(t, err, "no patch files given")

	_, err = patchSets(t.Context(), []string{join("c/*")}, nil)
	require.ErrorContains(t, err, "no files match")

	_, err = patchSets(t.Context(), nil, []string{" , "})
	require.EqualError(t, err, "empty patch set")
}
