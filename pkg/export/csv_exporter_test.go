package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVExporterRender(t *testing.T) {
	exporter := NewCSVExporter()

	out, err := exporter.Render(Table{
		Columns: []string{"student", "group", "average"},
		Rows: [][]string{
			{"Laura Mendez", "1-A", "80.00"},
			{"Pedro Silva", "1-A", ""},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "student,group,average\nLaura Mendez,1-A,80.00\nPedro Silva,1-A,\n", string(out))
}

func TestCSVExporterRenderPadsShortRows(t *testing.T) {
	exporter := NewCSVExporter()

	out, err := exporter.Render(Table{
		Columns: []string{"a", "b", "c"},
		Rows:    [][]string{{"1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,,\n", string(out))
}

func TestCSVExporterRenderRequiresColumns(t *testing.T) {
	exporter := NewCSVExporter()

	_, err := exporter.Render(Table{})
	require.Error(t, err)
}
