package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.salesops.dev/core/codec"
	mbp "go.salesops.dev/core/mainboilerplate"
	"gopkg.in/yaml.v2"
)

type cmdList struct {
	EntityConfig
	Format  string        `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
	Raw     bool          `long:"raw" description:"Print values of table output without humanizing them"`
	Timeout time.Duration `long:"timeout" default:"10s" description:"Maximum time to await the table's load"`
}

func init() {
	commands.AddCommand("", "list", "List entities of a table", `
List the entities of a table, once it has loaded.

If the remote store is unreachable, entities are listed from the snapshot
cache (see --session.snapshots), or the listing is empty.

Results can be output in a variety of --format options:
yaml:  Prints a YAML sequence of entities.
json:  Prints entities encoded as JSON, one per line.
table: Prints as a table with a column of each field.
`, &cmdList{})
}

func (cmd *cmdList) Execute([]string) error {
	var s, recovery = startup(cmd.Timeout)
	defer recovery()
	defer s.close()

	var records = s.table(cmd.Entity).Records()

	switch cmd.Format {
	case "table":
		writeTable(os.Stdout, records, !cmd.Raw)
	case "yaml":
		var b, err = yaml.Marshal(records)
		mbp.Must(err, "failed to encode to yaml")
		_, _ = os.Stdout.Write(b)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, r := range records {
			mbp.Must(enc.Encode(r), "failed to encode to json")
		}
	}
	return nil
}

// writeTable writes |records| with a column of each field, "id" first.
func writeTable(w io.Writer, records []codec.Record, humanized bool) {
	var table = tablewriter.NewWriter(w)
	var headers = columns(records)
	table.Header(headers)

	for _, r := range records {
		var row = make([]string, len(headers))
		for i, h := range headers {
			row[i] = formatValue(r[h], humanized)
		}
		table.Append(row)
	}
	table.Render()
}

func columns(records []codec.Record) []string {
	var set = make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	delete(set, "id")

	var out = make([]string, 0, len(set)+1)
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return append([]string{"id"}, out...)
}

// formatValue renders a field value. Humanized values have relative times
// and comma-grouped numbers.
func formatValue(v any, humanized bool) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		if humanized {
			if t, err := time.Parse(time.RFC3339Nano, vv); err == nil {
				return humanize.Time(t)
			}
		}
		return vv
	case float64:
		if humanized {
			return humanize.Commaf(vv)
		}
		return fmt.Sprint(vv)
	case map[string]any, []any:
		var b, _ = json.Marshal(vv)
		return string(b)
	default:
		return fmt.Sprint(vv)
	}
}
