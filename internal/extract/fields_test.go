package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapTableResolvesHeaderAliases(t *testing.T) {
	t.Parallel()

	rows := []TableRow{
		{Cells: []string{"Commodity", "Last Price", "Chg.", "Chg.%"}},
		{Cells: []string{"Gold", "2400.10", "+12.3", "+0.5%"}, Link: "https://example.com/gold"},
		{Cells: []string{"Silver", "29.55", "-0.2", "-0.7%"}},
	}

	out := MapTable(rows)
	require.Len(t, out, 2)
	require.Equal(t, "Gold", out[0].Fields[FieldName])
	require.Equal(t, "2400.10", out[0].Fields[FieldLast])
	require.Equal(t, "+12.3", out[0].Fields[FieldChange])
	require.Equal(t, "+0.5%", out[0].Fields[FieldChangePct])
	require.Equal(t, "https://example.com/gold", out[0].Link)
	require.Equal(t, "Silver", out[1].Fields[FieldName])
}

func TestMapTableSkipsPreambleRows(t *testing.T) {
	t.Parallel()

	rows := []TableRow{
		{Cells: []string{"Market overview"}},
		{Cells: []string{"As of 12:00"}},
		{Cells: []string{"Name", "Last", "High", "Low"}},
		{Cells: []string{"Brent", "82.1", "83.0", "81.5"}},
	}

	out := MapTable(rows)
	require.Len(t, out, 1)
	require.Equal(t, "Brent", out[0].Fields[FieldName])
	require.Equal(t, "83.0", out[0].Fields[FieldHigh])
	require.Equal(t, "81.5", out[0].Fields[FieldLow])
}

func TestMapTableDropsRowsWithoutName(t *testing.T) {
	t.Parallel()

	rows := []TableRow{
		{Cells: []string{"Name", "Last"}},
		{Cells: []string{"", "1.23"}},
		{Cells: []string{"Copper", "4.56"}},
	}

	out := MapTable(rows)
	require.Len(t, out, 1)
	require.Equal(t, "Copper", out[0].Fields[FieldName])
}

func TestMapTableWithoutUsableHeader(t *testing.T) {
	t.Parallel()

	rows := []TableRow{
		{Cells: []string{"Foo", "Bar"}},
		{Cells: []string{"1", "2"}},
	}
	require.Nil(t, MapTable(rows))
	require.Nil(t, MapTable(nil))
}

func TestMapTableIgnoresExtraColumns(t *testing.T) {
	t.Parallel()

	rows := []TableRow{
		{Cells: []string{"Symbol", "Volume", "Price"}},
		{Cells: []string{"WTI", "120k", "78.9"}},
	}

	out := MapTable(rows)
	require.Len(t, out, 1)
	require.Equal(t, "WTI", out[0].Fields[FieldName])
	require.Equal(t, "78.9", out[0].Fields[FieldLast])
	require.NotContains(t, out[0].Fields, "Volume")
}
