package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/store"
)

// PrintResult writes res to w: a tab-aligned table for the default format,
// one document per line for JSON, one cell per line for flat.
func PrintResult(w io.Writer, res *engine.Result) error {
	switch res.Format {
	case engine.FormatJSON:
		for _, doc := range res.JSON {
			if _, err := fmt.Fprintln(w, doc); err != nil {
				return err
			}
		}
		return nil
	case engine.FormatFlat:
		for _, v := range res.Flat {
			if _, err := fmt.Fprintln(w, cell(v)); err != nil {
				return err
			}
		}
		return nil
	}
	return PrintRelation(w, res.Relation())
}

// PrintRelation writes rel as a tab-aligned table with a header row.
func PrintRelation(w io.Writer, rel *store.Relation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rel.ColumnNames(), "\t"))
	for _, row := range rel.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", rel.Len())
	return err
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("0x%x", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
