package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/entity"
)

type cmdWatch struct {
	Entity string `long:"entity" short:"e" description:"Entity table to watch. All tables are watched if not set"`
}

func init() {
	commands.AddCommand("", "watch", "Watch tables for changes", `
Serve synchronized collections of all tables, and log a summary of each
watched table as it changes until signaled to exit.
`, &cmdWatch{})
}

func (cmd *cmdWatch) Execute([]string) error {
	var s, recovery = startup(0)
	defer recovery()
	defer s.close()

	var tables = entity.Tables
	if cmd.Entity != "" {
		s.table(cmd.Entity) // Verify it exists.
		tables = []string{cmd.Entity}
	}
	var gens = make(map[string]int64)

	for {
		var changed = s.registry.Changed()

		for _, name := range tables {
			var t = s.table(name)
			var g = t.Generation()
			if g == gens[name] {
				continue
			}
			gens[name] = g

			log.WithFields(log.Fields{
				"table":    name,
				"state":    t.State(),
				"entities": t.Len(),
				"stale":    t.Stale(),
				"pending":  len(t.Pending()),
			}).Info("table changed")
		}

		select {
		case <-changed:
		case <-s.ctx.Done():
			return nil
		}
		// Coalesce bursts of changes.
		time.Sleep(50 * time.Millisecond)
	}
}
