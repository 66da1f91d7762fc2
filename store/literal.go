package store

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// RenderLiteral renders v as a statement literal. Batch fragments cannot
// carry bound parameters, so values are rendered into the text.
func RenderLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(x)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case time.Time:
		return quoteString(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return quoteString(x.String())
	}
	if n, err := toInt64(v); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return quoteString(fmt.Sprint(v))
}

// RenderStatement substitutes params for the ? markers of stmt in order.
// Markers inside quoted strings are left alone.
func RenderStatement(stmt string, params ...any) (string, error) {
	var b strings.Builder
	next := 0
	inQuote := false
	for _, r := range stmt {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			if next >= len(params) {
				return "", fmt.Errorf("statement has more markers than the %d params given", len(params))
			}
			b.WriteString(RenderLiteral(params[next]))
			next++
		default:
			b.WriteRune(r)
		}
	}
	if next != len(params) {
		return "", fmt.Errorf("statement has %d markers, %d params given", next, len(params))
	}
	return b.String(), nil
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
