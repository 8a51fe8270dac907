package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/collection"
	"go.salesops.dev/core/registry"
)

// MutateConfig is common configuration of mutation commands.
type MutateConfig struct {
	EntityConfig
	Timeout time.Duration `long:"timeout" default:"10s" description:"Maximum time to await the table's load, and then the mutation's confirmation"`
}

type cmdInsert struct {
	MutateConfig
}

type cmdUpdate struct {
	MutateConfig
	ID string `long:"id" required:"true" description:"Identifier of the entity to update"`
}

type cmdDelete struct {
	MutateConfig
	ID string `long:"id" required:"true" description:"Identifier of the entity to delete"`
}

func init() {
	commands.AddCommand("", "insert", "Insert an entity", `
Insert an entity having fields given as key=value arguments, and wait for the
remote store to confirm it. Keys are field names of the entity, eg:

>    salesctl insert --entity leads name="Ana Lima" value=1200 status=new
`, &cmdInsert{})

	commands.AddCommand("", "update", "Update fields of an entity", `
Update fields given as key=value arguments of the entity --id, and wait for
the remote store to confirm it. Fields which aren't named are unchanged:

>    salesctl update --entity tasks --id 42 completed=true
`, &cmdUpdate{})

	commands.AddCommand("", "delete", "Delete an entity", `
Delete the entity --id, and wait for the remote store to confirm it.
`, &cmdDelete{})
}

func (cmd *cmdInsert) Execute(args []string) error {
	var fields, err = fieldParsers[cmd.Entity](args)
	if err != nil {
		return err
	}
	return cmd.run(func(t registry.Table) *collection.Op { return t.Insert(fields) })
}

func (cmd *cmdUpdate) Execute(args []string) error {
	var fields, err = fieldParsers[cmd.Entity](args)
	if err != nil {
		return err
	} else if len(fields) == 0 {
		return errors.New("expected at least one key=value field")
	}
	return cmd.run(func(t registry.Table) *collection.Op { return t.Update(cmd.ID, fields) })
}

func (cmd *cmdDelete) Execute([]string) error {
	return cmd.run(func(t registry.Table) *collection.Op { return t.Delete(cmd.ID) })
}

// run a mutation of the configured table, and await its resolution.
func (cfg *MutateConfig) run(mutate func(registry.Table) *collection.Op) error {
	var s, recovery = startup(cfg.Timeout)
	defer recovery()
	defer s.close()

	var op = mutate(s.table(cfg.Entity))

	var ctx, cancel = context.WithTimeout(s.ctx, cfg.Timeout)
	defer cancel()

	if err := op.Wait(ctx); err != nil {
		log.WithFields(log.Fields{"op": op.String(), "err": err}).Error("mutation failed")
		return err
	}
	fmt.Fprintf(os.Stdout, "%s %s %s (issued %s)\n",
		pastTense(op.Kind), op.Table, op.EntityID(), humanize.Time(op.Issued))
	return nil
}

func pastTense(k collection.Kind) string {
	switch k {
	case collection.InsertOp:
		return "inserted"
	case collection.UpdateOp:
		return "updated"
	default:
		return "deleted"
	}
}
