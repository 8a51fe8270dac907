package main

import (
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/entity"
)

// fieldParsers parse key=value arguments into the local fields of each table.
var fieldParsers = map[string]func([]string) (codec.Record, error){
	entity.LeadsTable:            parseFields[entity.Lead],
	entity.TasksTable:            parseFields[entity.Task],
	entity.InventoryTable:        parseFields[entity.InventoryItem],
	entity.CommissionsTable:      parseFields[entity.Commission],
	entity.CommissionRulesTable:  parseFields[entity.CommissionRule],
	entity.GoalsTable:            parseFields[entity.Goal],
	entity.TeamMembersTable:      parseFields[entity.TeamMember],
	entity.AgenciesTable:         parseFields[entity.Agency],
	entity.DailyLeadVolumesTable: parseFields[entity.DailyLeadVolume],
}

var decoder = func() *schema.Decoder {
	var d = schema.NewDecoder()
	d.IgnoreUnknownKeys(false)
	d.RegisterConverter(time.Time{}, parseTime)
	return d
}()

// parseTime converts an RFC 3339 timestamp or a YYYY-MM-DD date.
func parseTime(s string) reflect.Value {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return reflect.ValueOf(t)
		}
	}
	return reflect.Value{}
}

// parseFields decodes |args| of the form "key=value" into the typed fields
// of T, returning only the named fields in their local form. Keys are the
// local (camelCase) field names.
func parseFields[T entity.Record[T]](args []string) (codec.Record, error) {
	var values = make(url.Values)
	for _, arg := range args {
		var k, v, ok = strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("expected key=value (not %q)", arg)
		}
		values.Add(k, v)
	}

	var v T
	if err := decoder.Decode(&v, values); err != nil {
		return nil, errors.WithMessage(err, "decoding fields")
	}

	var out = make(codec.Record, len(values))
	var rv, rt = reflect.ValueOf(v), reflect.TypeOf(v)

	for i := 0; i != rt.NumField(); i++ {
		var f = rt.Field(i)
		if _, ok := values[f.Tag.Get("schema")]; !ok {
			continue
		}
		var name, _, _ = strings.Cut(f.Tag.Get("json"), ",")

		switch fv := rv.Field(i).Interface().(type) {
		case *time.Time:
			if fv != nil {
				out[name] = fv.UTC().Format(time.RFC3339Nano)
			} else {
				out[name] = nil
			}
		default:
			out[name] = fv
		}
	}
	return out, nil
}
