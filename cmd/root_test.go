package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/servhost/internal/components"
	"github.com/zjrosen/servhost/internal/config"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/registrar"
	"github.com/zjrosen/servhost/internal/store"
	"github.com/zjrosen/servhost/internal/store/sqlite"
)

// testEnv writes a config pointing the store into a temp dir and returns
// its paths.
func testEnv(t *testing.T) (configPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(config.EnvDebug, "")
	t.Setenv(config.EnvLog, "")

	storePath = filepath.Join(dir, "store.db")
	configPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("store:\n  path: %s\nserver:\n  addr: 127.0.0.1:0\nui:\n  enabled: false\nwatch:\n  enabled: false\n", storePath)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, storePath
}

// execute runs the root command and resets flag state afterwards, since the
// command tree is package-global.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer resetFlags(rootCmd)

	err := ExecuteContext(context.Background(), &stderr)
	return stdout.String(), stderr.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func readStore(t *testing.T, storePath string) *store.Tree {
	t.Helper()
	b, err := sqlite.Open(storePath, sqlite.Options{})
	require.NoError(t, err)
	tree := store.New(b)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func TestInstallListUninstall(t *testing.T) {
	configPath, storePath := testEnv(t)

	out, _, err := execute(t, "--config", configPath, "install")
	require.NoError(t, err)
	require.Contains(t, out, "installed 2 class(es)")

	out, _, err = execute(t, "--config", configPath, "list")
	require.NoError(t, err)
	require.Contains(t, out, `CLSID\`+components.RecordParamTestID.String())
	require.Contains(t, out, "LocalServer32")
	require.NotContains(t, out, "not registered")

	tree := readStore(t, storePath)
	ok, err := tree.SubtreeExists(context.Background(), store.P("CLSID", components.SafearrayParamTestID.String()))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tree.Close())

	out, _, err = execute(t, "--config", configPath, "uninstall")
	require.NoError(t, err)
	require.Contains(t, out, "uninstalled 2 class(es)")

	out, _, err = execute(t, "--config", configPath, "list")
	require.NoError(t, err)
	require.Equal(t, 7, strings.Count(out, "(not registered)"))
}

func TestRegServerFlags(t *testing.T) {
	configPath, storePath := testEnv(t)

	_, _, err := execute(t, "--config", configPath, "--regserver")
	require.NoError(t, err)

	tree := readStore(t, storePath)
	v, ok, err := tree.Value(context.Background(), store.P("CLSID", components.RecordParamTestID.String(), "ProgID"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, v)
	require.NoError(t, tree.Close())

	_, _, err = execute(t, "--config", configPath, "--unregserver")
	require.NoError(t, err)

	tree = readStore(t, storePath)
	children, err := tree.Children(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestRegServerAndUnregServerExclusive(t *testing.T) {
	configPath, _ := testEnv(t)
	_, stderr, err := execute(t, "--config", configPath, "--regserver", "--unregserver")
	require.Error(t, err)
	require.Contains(t, stderr, "servhost:")
}

func TestInstallDryRun(t *testing.T) {
	configPath, storePath := testEnv(t)

	out, _, err := execute(t, "--config", configPath, "install", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "+ CLSID\\"+components.RecordParamTestID.String())

	tree := readStore(t, storePath)
	children, err := tree.Children(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, children, "dry run must not write")
	require.NoError(t, tree.Close())

	_, _, err = execute(t, "--config", configPath, "install")
	require.NoError(t, err)
	out, _, err = execute(t, "--config", configPath, "install", "--dry-run")
	require.NoError(t, err)
	require.Equal(t, "no changes\n", out)

	out, _, err = execute(t, "--config", configPath, "uninstall", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "- CLSID\\")
}

func TestListYAML(t *testing.T) {
	configPath, _ := testEnv(t)
	_, _, err := execute(t, "--config", configPath, "install")
	require.NoError(t, err)

	out, _, err := execute(t, "--config", configPath, "list", "--yaml")
	require.NoError(t, err)
	require.Contains(t, out, "# CLSID\\")
	require.Contains(t, out, "name: LocalServer32")
}

func TestLoggingCommand(t *testing.T) {
	configPath, _ := testEnv(t)

	out, _, err := execute(t, "--config", configPath, "logging")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, ": defaults"))

	out, _, err = execute(t, "--config", configPath, "logging",
		"--level", "store=DEBUG", "--level", "*=WARN", "--format", "{level} {msg}")
	require.NoError(t, err)
	require.Contains(t, out, "levels=store=DEBUG,*=WARN")
	require.Contains(t, out, `format="{level} {msg}"`)

	out, _, err = execute(t, "--config", configPath, "logging", "--clear")
	require.NoError(t, err)
	require.Contains(t, out, "deleted")

	out, _, err = execute(t, "--config", configPath, "logging")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, ": defaults"))
}

func TestRunSession_StoreOpenOnlyWhileReading(t *testing.T) {
	configPath, storePath := testEnv(t)
	_, _, err := execute(t, "--config", configPath, "logging", "--level", "store=DEBUG")
	require.NoError(t, err)

	cfg = config.Defaults()
	cfg.Store.Path = storePath
	s, err := openRuntime()
	require.NoError(t, err)
	defer s.close()

	stored, err := s.loadStoredLogging(context.Background())
	require.NoError(t, err)
	require.Contains(t, stored.Levels, registrar.LevelSetting{Category: "store", Level: log.LevelDebug})
	require.Nil(t, s.tree, "store handle must be released after reading")

	// A write from another handle is visible on the next read.
	tree := readStore(t, storePath)
	path := store.P("CLSID", components.SafearrayParamTestID.String(), "Logging")
	require.NoError(t, tree.SetNamedValue(context.Background(), path, "levels", "loop=ERROR"))

	stored, err = s.loadStoredLogging(context.Background())
	require.NoError(t, err)
	require.Contains(t, stored.Levels, registrar.LevelSetting{Category: "loop", Level: log.LevelError})
	require.Nil(t, s.tree)
}

func TestLoggingCommand_OneClass(t *testing.T) {
	configPath, _ := testEnv(t)
	id := strings.ToLower(strings.Trim(components.SafearrayParamTestID.String(), "{}"))

	out, _, err := execute(t, "--config", configPath, "logging", "--class", id, "--level", "activation=ERROR")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "levels="))
}

func TestLoggingCommand_Errors(t *testing.T) {
	configPath, _ := testEnv(t)

	_, stderr, err := execute(t, "--config", configPath, "logging", "--level", "bogus=DEBUG")
	require.Error(t, err)
	require.Contains(t, stderr, "invalid logging level")

	_, _, err = execute(t, "--config", configPath, "logging", "--class", "{00000000-0000-0000-0000-000000000001}")
	require.Error(t, err)

	_, _, err = execute(t, "--config", configPath, "logging", "--clear", "--level", "store=DEBUG")
	require.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	configPath, _ := testEnv(t)

	out, _, err := execute(t, "--config", configPath, "config", "path")
	require.NoError(t, err)
	require.Equal(t, configPath+"\n", out)

	_, _, err = execute(t, "--config", configPath, "config", "set", "server.addr", "127.0.0.1:9999")
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "addr: 127.0.0.1:9999")
}

func TestInvalidConfig(t *testing.T) {
	configPath, _ := testEnv(t)
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  addr: nope\n"), 0o600))

	_, stderr, err := execute(t, "--config", configPath, "list")
	require.Error(t, err)
	require.Contains(t, stderr, "invalid configuration")
}

func TestStoreUnavailable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	configPath, _ := testEnv(t)
	blocked := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(blocked, 0o500))
	content := fmt.Sprintf("store:\n  path: %s\n", filepath.Join(blocked, "sub", "store.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	_, stderr, err := execute(t, "--config", configPath, "install")
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.Contains(t, stderr, "servhost:")
}

func TestShowWindow(t *testing.T) {
	cfg = config.Defaults()
	require.False(t, showWindow(true))
	cfg.UI.Enabled = false
	require.False(t, showWindow(false))
}
