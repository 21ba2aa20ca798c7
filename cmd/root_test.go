package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifoundry-org/cardice/pkg/config"
	"github.com/aifoundry-org/cardice/pkg/credentials"
)

type result struct {
	app    *app
	out    string
	errOut string
}

func execute(t *testing.T, root string, args ...string) (result, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(&out, &errOut)
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--cardice-folder", root}, args...))
	err := cmd.Execute()
	return result{app: a, out: out.String(), errOut: errOut.String()}, err
}

func mustExecute(t *testing.T, root string, args ...string) string {
	t.Helper()
	res, err := execute(t, root, args...)
	require.NoError(t, err, res.errOut)
	return res.out
}

func TestClusterCommands(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cardice")

	out := mustExecute(t, root, "list")
	assert.Contains(t, out, "no clusters")

	out = mustExecute(t, root, "init", "one")
	assert.Contains(t, out, "initialized cluster one")
	mustExecute(t, root, "init", "two")

	out = mustExecute(t, root, "list")
	assert.Equal(t, "  one\n* two\n", out)

	mustExecute(t, root, "select", "one")
	out = mustExecute(t, root, "list")
	assert.Equal(t, "* one\n  two\n", out)

	_, err := execute(t, root, "select", "three")
	require.ErrorIs(t, err, config.ErrClusterNotFound)

	_, err = execute(t, root, "init", "not/valid")
	require.ErrorIs(t, err, config.ErrInvalidName)
}

func TestNodeCommands(t *testing.T) {
	t.Setenv("CARDICE_DUMMY_KEY", t.Name())
	root := filepath.Join(t.TempDir(), "cardice")
	mustExecute(t, root, "init", "demo")

	out := mustExecute(t, root, "start", "dummy", "--n-nodes", "2", "--refresh-period", "10ms")
	assert.Contains(t, out, "node000")
	assert.Contains(t, out, "node001")

	out = mustExecute(t, root, "grow", "dummy")
	assert.Contains(t, out, "node002")

	out = mustExecute(t, root, "status")
	assert.Equal(t, 3, strings.Count(out, "running"), out)

	mustExecute(t, root, "shrink", "-n", "1")
	mustExecute(t, root, "stop")
	out = mustExecute(t, root, "status")
	assert.Equal(t, 2, strings.Count(out, "stopped"), out)
	assert.NotContains(t, out, "node002")

	mustExecute(t, root, "terminate")
	out = mustExecute(t, root, "status")
	assert.Contains(t, out, "the cluster has no nodes")
	assert.FileExists(t, filepath.Join(root, "demo", "salt", "roster"))
}

func TestExplicitClusterFromEnvironment(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cardice")
	mustExecute(t, root, "init", "one")
	mustExecute(t, root, "init", "two")

	t.Setenv("CARDICE_CLUSTER", "ghost")
	_, err := execute(t, root, "status")
	require.ErrorIs(t, err, config.ErrClusterFolderMissing)

	_, err = execute(t, root, "--cluster", "one", "status")
	require.NoError(t, err)
}

func TestStartMissingCredentials(t *testing.T) {
	if _, ok := os.LookupEnv("CARDICE_AWS_KEY"); ok {
		t.Skip("CARDICE_AWS_KEY is set")
	}
	root := filepath.Join(t.TempDir(), "cardice")
	mustExecute(t, root, "init", "demo")
	require.NoError(t, os.WriteFile(filepath.Join(root, "demo", "profiles.yaml"), []byte("aws:\n  provider: aws\n"), 0o644))

	res, err := execute(t, root, "start", "aws")
	require.ErrorIs(t, err, credentials.ErrMissingCredentials)
	assert.Empty(t, res.out)
}

func TestReport(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cardice")

	res, err := execute(t, root, "select", "missing")
	require.Error(t, err)
	var buf bytes.Buffer
	res.app.errOut = &buf
	res.app.report(err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "missing")

	res, err = execute(t, root, "--log-level", "debug", "select", "missing")
	require.Error(t, err)
	buf.Reset()
	res.app.errOut = &buf
	res.app.report(err)
	assert.Contains(t, buf.String(), "SetDefaultCluster")

	_, err = execute(t, root, "--log-level", "chatty", "list")
	require.ErrorContains(t, err, "invalid log level")
}
