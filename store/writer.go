package store

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// throttle paces table writes in chunks of at most size rows.
type throttle struct {
	size    int
	limiter *rate.Limiter
}

func newThrottle(size int, rowsPerSec float64) *throttle {
	t := &throttle{size: size}
	if rowsPerSec > 0 {
		burst := size
		if int(rowsPerSec) > burst {
			burst = int(rowsPerSec)
		}
		t.limiter = rate.NewLimiter(rate.Limit(rowsPerSec), burst)
	}
	return t
}

// each calls fn with consecutive chunks of rows, waiting on the limiter before each chunk.
func (t *throttle) each(ctx context.Context, rows []Row, fn func([]Row) error) error {
	for start := 0; start < len(rows); start += t.size {
		end := start + t.size
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		if t.limiter != nil {
			if err := t.limiter.WaitN(ctx, len(chunk)); err != nil {
				return err
			}
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

// coerceRow converts each cell to the driver type its column kind expects.
func coerceRow(cols []Column, row Row) (Row, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("%w: row has %d values, want %d", ErrSchemaMismatch, len(row), len(cols))
	}
	out := make(Row, len(row))
	for i, v := range row {
		c, err := cols[i].Kind.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrSchemaMismatch, cols[i].Name, err)
		}
		out[i] = c
	}
	return out, nil
}
