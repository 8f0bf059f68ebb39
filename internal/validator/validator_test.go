package validator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBin(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
}

func withPath(t *testing.T, dir string) {
	t.Helper()
	old := os.Getenv("PATH")
	require.NoError(t, os.Setenv("PATH", dir+string(os.PathListSeparator)+old))
	t.Cleanup(func() { os.Setenv("PATH", old) })
}

func TestValidateIgnoresNonEditTools(t *testing.T) {
	d := Validate(context.Background(), "Read", t.TempDir(), "/proj/a.ts")
	assert.Equal(t, Allow, d.Code)
}

func TestValidateAllowsWhenNoTypecheckConfigured(t *testing.T) {
	dir := t.TempDir()
	d := Validate(context.Background(), "Edit", dir, filepath.Join(dir, "a.ts"))
	assert.Equal(t, Allow, d.Code)
}

func TestValidateBlocksOnTypecheckFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts assume POSIX")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"scripts":{"typecheck":"tsc"}}`), 0o644))

	binDir := t.TempDir()
	fakeBin(t, binDir, "npm", `echo "type error" >&2; exit 2`)
	withPath(t, binDir)

	d := Validate(context.Background(), "Edit", dir, filepath.Join(dir, "a.ts"))
	assert.Equal(t, Block, d.Code)
	assert.Equal(t, "typecheck-failure", d.Rule)
	assert.Contains(t, d.Message, "type error")
}

func TestValidateAllowsOnCleanTypecheck(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts assume POSIX")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"scripts":{"typecheck":"tsc"}}`), 0o644))

	binDir := t.TempDir()
	fakeBin(t, binDir, "npm", `exit 0`)
	withPath(t, binDir)

	d := Validate(context.Background(), "Write", dir, filepath.Join(dir, "a.ts"))
	assert.Equal(t, Allow, d.Code)
}
