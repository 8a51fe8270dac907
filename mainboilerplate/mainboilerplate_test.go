package mainboilerplate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/remote/memory"
)

func TestCommandRegistryBuildsTree(t *testing.T) {
	var reg = NewCommandRegistry()
	var leaf struct{}

	reg.AddCommand("entities", "list", "List entities", "", &leaf)
	reg.AddCommand("", "entities", "Work with entities", "", &leaf)
	reg.AddCommand("entities.list", "more", "Nested", "", &leaf)

	var parser = flags.NewParser(nil, flags.Default)
	require.NoError(t, reg.AddCommands("", parser.Command))

	var entities = parser.Find("entities")
	require.NotNil(t, entities)
	var list = entities.Find("list")
	require.NotNil(t, list)
	require.NotNil(t, list.Find("more"))
}

func TestConfigPaths(t *testing.T) {
	t.Setenv(ConfigRootEnv, "/etc/salesops")
	t.Setenv("HOME", "/home/ana")
	t.Setenv("UserProfile", "")

	require.Equal(t, []string{
		filepath.Join("/etc/salesops", "salesctl.ini"),
		"salesctl.ini",
		filepath.Join("/home/ana", ".config", "salesops", "salesctl.ini"),
	}, ConfigPaths("salesctl.ini"))
}

func TestSessionOptions(t *testing.T) {
	var cfg = SessionConfig{ClientIDs: true}
	var opts, done = cfg.MustBuildOptions()
	defer done()

	require.NotEmpty(t, cfg.Name)
	require.True(t, opts.ClientIDs)
	require.Nil(t, opts.Snapshots)

	cfg = SessionConfig{Name: "fixed", Snapshots: filepath.Join(t.TempDir(), "snapshots.db")}
	opts, done2 := cfg.MustBuildOptions()
	defer done2()

	require.Equal(t, "fixed", cfg.Name)
	require.NotNil(t, opts.Snapshots)
}

func TestDefaultBackendIsMemory(t *testing.T) {
	var cfg BackendConfig
	var backend = cfg.MustOpen(context.Background(), nil)
	require.IsType(t, &memory.Store{}, backend)
	require.NoError(t, backend.Close())
}

func TestEtcdTLSConfig(t *testing.T) {
	var cfg = EtcdConfig{Address: "http://localhost:2379"}
	var tc, err = cfg.TLSConfig()
	require.NoError(t, err)
	require.Nil(t, tc)

	cfg.Address = "https://etcd.example:2379"
	tc, err = cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tc)

	cfg.CertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.CertKeyFile = filepath.Join(t.TempDir(), "missing-key.pem")
	_, err = cfg.TLSConfig()
	require.Error(t, err)
}

func TestMustPanicsWithFields(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "ok") })
	require.Panics(t, func() { Must(context.Canceled, "failed", "key", "value") })
}
