package codec

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKeyRenaming(t *testing.T) {
	for _, tc := range []struct {
		wire, local string
	}{
		{"id", "id"},
		{"seller_id", "sellerId"},
		{"sale_date", "saleDate"},
		{"commission_rule_id", "commissionRuleId"},
		{"address2_line", "address2Line"},
		{"lead_v2", "leadV2"},
		{"", ""},
	} {
		var local, err = wireToLocalKey(tc.wire)
		require.NoError(t, err)
		require.Equal(t, tc.local, local)

		wire, err := localToWireKey(tc.local)
		require.NoError(t, err)
		require.Equal(t, tc.wire, wire)
	}
}

func TestUnsupportedKeys(t *testing.T) {
	for _, k := range []string{"_id", "id_", "lead__id", "lead_1", "leadId"} {
		var _, err = wireToLocalKey(k)
		require.Equal(t, ErrUnsupportedKey, errors.Cause(err), k)
	}
	// U+212A KELVIN SIGN lower-cases to "k", which upper-cases to a plain "K".
	for _, k := range []string{"Id", "lead_id", "a\u212A"} {
		var _, err = localToWireKey(k)
		require.Equal(t, ErrUnsupportedKey, errors.Cause(err), k)
	}
}

func TestRecursiveConversion(t *testing.T) {
	var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var wire = Record{
		"id":         "c-1",
		"seller_id":  "s-9",
		"sale_date":  ts,
		"amount":     1250.5,
		"is_paid":    true,
		"notes":      nil,
		"line_items": []any{map[string]any{"unit_price": 10.0, "sku_code": "A1"}, "loose", 3},
		"rule_tiers": []map[string]any{{"min_amount": 0.0}, {"min_amount": 500.0}},
		"meta":       map[string]any{"created_by": map[string]any{"team_member_id": "t-1"}},
	}
	var local, err = RecordToLocal(wire)
	require.NoError(t, err)

	require.Equal(t, Record{
		"id":        "c-1",
		"sellerId":  "s-9",
		"saleDate":  ts,
		"amount":    1250.5,
		"isPaid":    true,
		"notes":     nil,
		"lineItems": []any{map[string]any{"unitPrice": 10.0, "skuCode": "A1"}, "loose", 3},
		"ruleTiers": []map[string]any{{"minAmount": 0.0}, {"minAmount": 500.0}},
		"meta":      map[string]any{"createdBy": map[string]any{"teamMemberId": "t-1"}},
	}, local)

	// The input is not modified.
	require.Contains(t, wire, "seller_id")
	require.NotContains(t, wire, "sellerId")

	// And it round-trips.
	back, err := RecordToWire(local)
	require.NoError(t, err)
	require.Equal(t, wire, back)
}

func TestLocalRoundTrip(t *testing.T) {
	var fixtures = []any{
		nil,
		"scalar",
		42.0,
		[]any{"a", Record{"leadId": "1"}},
		[]Record{{"agencyId": "a"}, {"dailyVolume": 12}},
		Record{"a": Record{"b": []any{Record{"cD": []any{}}}}},
		Record{},
	}
	for _, x := range fixtures {
		var wire, err = LocalToWire(x)
		require.NoError(t, err)
		back, err := WireToLocal(wire)
		require.NoError(t, err)
		require.Equal(t, x, back)
	}
}

func TestCollisionsAreRejected(t *testing.T) {
	// Both keys are individually valid wire keys, but "lead_id" and a key
	// which is already in local form would map to the same name.
	var _, err = RecordToLocal(Record{"leadid": 1, "lead_id": 2})
	require.NoError(t, err) // Distinct: "leadid" and "leadId".

	// A local record mixing conventions is rejected rather than silently merged.
	_, err = RecordToWire(Record{"leadId": 1, "lead_id": 2})
	require.Equal(t, ErrUnsupportedKey, errors.Cause(err))

	// Collisions are detected at any depth, and reported with both keys.
	var rename = func(string) (string, error) { return "same", nil }
	_, err = convertMap(map[string]any{"b": 1, "a": 2}, rename)
	require.Equal(t, ErrKeyCollision, errors.Cause(err))
	require.EqualError(t, err, `"a" and "b" both map to "same": key collision`)
}

func TestErrorsNameTheirPath(t *testing.T) {
	var _, err = RecordToLocal(Record{"items": []any{Record{"ok": 1}, Record{"Bad": 2}}})
	require.Equal(t, ErrUnsupportedKey, errors.Cause(err))
	require.Contains(t, err.Error(), `key "items": index 1`)
}
