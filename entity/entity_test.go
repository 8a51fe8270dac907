package entity

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.salesops.dev/core/codec"
	gc "gopkg.in/check.v1"
)

type EntitySuite struct{}

func (s *EntitySuite) TestDecodeValidatesAndTypes(c *gc.C) {
	var lead, err = Decode[Lead](codec.Record{
		"id":        "l-1",
		"name":      "Ana",
		"value":     1500.0,
		"sellerId":  "s-1",
		"createdAt": "2024-03-01T12:00:00Z",
		"unknown":   "fields are ignored",
	})
	c.Assert(err, gc.IsNil)
	c.Check(lead.ID, gc.Equals, "l-1")
	c.Check(lead.Value, gc.Equals, 1500.0)
	c.Check(lead.CreatedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), gc.Equals, true)

	// Missing required fields fail validation.
	_, err = Decode[Lead](codec.Record{"id": "l-2"})
	c.Check(errors.Cause(err), gc.Equals, ErrInvalid)
	c.Check(err, gc.ErrorMatches, `leads "l-2": missing name: invalid record`)

	// Mistyped fields fail decoding.
	_, err = Decode[InventoryItem](codec.Record{"id": "i-1", "name": "Sedan", "quantity": "lots"})
	c.Check(err, gc.ErrorMatches, `decoding fields: .*`)
}

func (s *EntitySuite) TestNumericIdentifiersAreNormalized(c *gc.C) {
	var task, err = Decode[Task](codec.Record{"id": 42.0, "title": "Call back"})
	c.Assert(err, gc.IsNil)
	c.Check(task.ID, gc.Equals, "42")

	agency, err := Decode[Agency](codec.Record{"id": int64(7), "name": "Norte"})
	c.Assert(err, gc.IsNil)
	c.Check(agency.ID, gc.Equals, "7")
}

func (s *EntitySuite) TestMergeIsPartial(c *gc.C) {
	var cur = Lead{ID: "l-1", Name: "Ana", Status: "new", Phone: "555-0100"}

	var next, err = Merge(cur, codec.Record{"status": "contacted"})
	c.Assert(err, gc.IsNil)
	c.Check(next, gc.DeepEquals, Lead{ID: "l-1", Name: "Ana", Status: "contacted", Phone: "555-0100"})

	// A nil value clears the field.
	next, err = Merge(next, codec.Record{"phone": nil})
	c.Assert(err, gc.IsNil)
	c.Check(next.Phone, gc.Equals, "")

	// Identifiers may be restated, but not changed.
	_, err = Merge(next, codec.Record{"id": "l-1", "name": "Ana B."})
	c.Check(err, gc.IsNil)
	_, err = Merge(next, codec.Record{"id": "l-9"})
	c.Check(errors.Cause(err), gc.Equals, ErrInvalid)

	// A merge which breaks validation is an error, and |cur| is returned.
	out, err := Merge(next, codec.Record{"name": ""})
	c.Check(errors.Cause(err), gc.Equals, ErrInvalid)
	c.Check(out.Name, gc.Equals, "Ana")
}

func (s *EntitySuite) TestFieldsOmitIdentifier(c *gc.C) {
	var fields, err = Fields(Goal{ID: "g-1", Period: "2024-03", TargetSales: 12})
	c.Assert(err, gc.IsNil)
	c.Check(fields, gc.DeepEquals, codec.Record{"period": "2024-03", "targetSales": 12.0})
}

func (s *EntitySuite) TestValidation(c *gc.C) {
	var cases = []struct {
		rec interface{ Validate() error }
		ok  bool
	}{
		{Task{ID: "t", Title: "x"}, true},
		{Task{ID: "t"}, false},
		{InventoryItem{ID: "i", Name: "x", Quantity: -1}, false},
		{Commission{ID: "c", SellerID: "s", Amount: 10}, true},
		{Commission{ID: "c", Amount: 10}, false},
		{CommissionRule{ID: "r", Name: "base", Percentage: 101}, false},
		{CommissionRule{ID: "r", Name: "base", Percentage: 2.5}, true},
		{Goal{ID: "g", Period: "2024-Q1", TargetRevenue: -1}, false},
		{TeamMember{ID: "m", Name: "Bo"}, true},
		{Agency{Name: "no id"}, false},
		{DailyLeadVolume{ID: "d", Day: "2024-03-01", Count: 3}, true},
		{DailyLeadVolume{ID: "d", Day: "March 1st", Count: 3}, false},
	}
	for _, tc := range cases {
		var err = tc.rec.Validate()
		c.Check(err == nil, gc.Equals, tc.ok, gc.Commentf("%#v", tc.rec))
	}
}

func (s *EntitySuite) TestTables(c *gc.C) {
	c.Check(TableOf[Lead](), gc.Equals, "leads")
	c.Check(TableOf[DailyLeadVolume](), gc.Equals, "daily_lead_volumes")
	c.Check(Tables, gc.HasLen, 9)
}

var _ = gc.Suite(&EntitySuite{})

func Test(t *testing.T) { gc.TestingT(t) }
