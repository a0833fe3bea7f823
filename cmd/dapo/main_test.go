package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shellJob = `
id: shell
steps:
  - id: first
    type: exec
    config:
      path: /bin/sh
      args: ["-c", "echo first"]
  - id: second
    type: exec
    depends_on: [first]
    config:
      path: /bin/sh
      args: ["-c", "exit %s"]
`

const loopJob = `
id: loop
steps:
  - id: a
    type: exec
    depends_on: [b]
    config: {path: /bin/true}
  - id: b
    type: exec
    depends_on: [a]
    config: {path: /bin/true}
`

func writeCatalog(t *testing.T, files map[string]string) {
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	t.Setenv("DAPO_CATALOG_DIR", dir)
	t.Setenv("LOG_LEVEL", "error")
}

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	writeCatalog(t, map[string]string{
		"shell.yaml": shellJob,
		"loop.yaml":  loopJob,
	})

	out, err := execute("validate", "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "ok       shell")

	out, err = execute("validate")
	require.Error(t, err)
	assert.Contains(t, out, "invalid  loop")
	assert.Contains(t, err.Error(), "1 of 2 jobs are invalid")
}

func TestRunCommand(t *testing.T) {
	writeCatalog(t, map[string]string{
		"ok.yaml":   replaceExit(shellJob, "0"),
		"fail.yaml": failingJob,
	})

	out, err := execute("run", "shell", "--by", "ops")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ended SUCCEEDED")
	assert.Contains(t, out, "second")

	out, err = execute("run", "broken")
	require.Error(t, err)
	assert.Contains(t, out, "ended FAILED")
}

func TestRunCommandUnknownJob(t *testing.T) {
	writeCatalog(t, map[string]string{"ok.yaml": replaceExit(shellJob, "0")})

	_, err := execute("run", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start job missing")
}

const failingJob = `
id: broken
steps:
  - id: only
    type: exec
    config:
      path: /bin/sh
      args: ["-c", "exit 3"]
`

func replaceExit(body, code string) string {
	return string(bytes.Replace([]byte(body), []byte("%s"), []byte(code), 1))
}
