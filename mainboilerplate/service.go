package mainboilerplate

import (
	"context"

	petname "github.com/dustinkirkland/golang-petname"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/collection"
	"go.salesops.dev/core/remote"
	"go.salesops.dev/core/remote/etcdstore"
	"go.salesops.dev/core/remote/memory"
	"go.salesops.dev/core/remote/pgstore"
	"go.salesops.dev/core/remote/redisstore"
	"go.salesops.dev/core/snapshot"
)

// SessionConfig identifies the client session of the process.
type SessionConfig struct {
	Name      string `long:"name" env:"NAME" description:"Name of this client session, used in logs. Auto-generated if not set"`
	ClientIDs bool   `long:"client-ids" env:"CLIENT_IDS" description:"Assign identifiers of inserted entities on the client, rather than the remote store"`
	Snapshots string `long:"snapshots" env:"SNAPSHOTS" description:"Path of a SQLite database of table snapshots, used when the remote store is unreachable at startup"`
}

// MustBuildOptions returns collection Options of the SessionConfig. The
// returned close function releases the snapshot cache, if any.
func (cfg *SessionConfig) MustBuildOptions() (collection.Options, func()) {
	if cfg.Name == "" {
		cfg.Name = petname.Generate(2, "-")
	}
	log.WithField("session", cfg.Name).Info("starting session")

	var opts = collection.Options{ClientIDs: cfg.ClientIDs}
	if cfg.Snapshots == "" {
		return opts, func() {}
	}
	var cache, err = snapshot.OpenSQLite(cfg.Snapshots)
	Must(err, "failed to open snapshot cache", "path", cfg.Snapshots)

	opts.Snapshots = cache
	return opts, func() { _ = cache.Close() }
}

// PostgresConfig configures a Postgres remote store.
type PostgresConfig struct {
	URL             string `long:"url" env:"URL" default:"postgres://localhost:5432/salesops" description:"Database connection URL"`
	InstallTriggers bool   `long:"install-triggers" env:"INSTALL_TRIGGERS" description:"Install change notification triggers of each table at startup"`
}

// RedisConfig configures a Redis remote store.
type RedisConfig struct {
	URL    string `long:"url" env:"URL" default:"redis://localhost:6379/0" description:"Redis connection URL"`
	Prefix string `long:"prefix" env:"PREFIX" default:"salesops" description:"Prefix of Redis keys and channels"`
}

// BackendConfig selects and configures the remote store.
type BackendConfig struct {
	Backend  string         `long:"backend" env:"BACKEND" default:"memory" choice:"memory" choice:"etcd" choice:"postgres" choice:"redis" description:"Remote store backend"`
	Etcd     EtcdConfig     `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Postgres PostgresConfig `group:"Postgres" namespace:"postgres" env-namespace:"POSTGRES"`
	Redis    RedisConfig    `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
}

// MustOpen the configured remote.Backend. |tables| are prepared for change
// notification, where the backend requires it.
func (cfg *BackendConfig) MustOpen(ctx context.Context, tables []string) remote.Backend {
	switch cfg.Backend {
	case "etcd":
		return etcdstore.New(cfg.Etcd.MustDial(), cfg.Etcd.Root)

	case "postgres":
		var store, err = pgstore.Open(ctx, cfg.Postgres.URL)
		Must(err, "failed to open Postgres store")

		if cfg.Postgres.InstallTriggers {
			for _, table := range tables {
				Must(store.InstallTrigger(ctx, table), "failed to install trigger", "table", table)
			}
		}
		return store

	case "redis":
		var store, err = redisstore.Open(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		Must(err, "failed to open Redis store")
		return store

	default:
		log.Warn("using an in-process memory store; changes aren't persisted")
		return memory.NewStore()
	}
}
