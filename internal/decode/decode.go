// Package decode turns raw notification payloads into rows of column values.
package decode

import (
	"errors"
	"fmt"
)

// Decoder converts one payload into zero or more rows. Every row must have
// Columns() values when Columns() > 0.
type Decoder interface {
	Decode(data []byte) ([][]any, error)
	// Columns returns the number of values per row, or 0 when unknown until runtime.
	Columns() int
}

// ErrMalformed reports a payload that does not fit the decoder's layout.
var ErrMalformed = errors.New("malformed payload")

// RowWidthError reports a decoded row whose width differs from the configured columns.
type RowWidthError struct {
	Row  int
	Got  int
	Want int
}

func (e *RowWidthError) Error() string {
	return fmt.Sprintf("row %d has %d values, expected %d", e.Row, e.Got, e.Want)
}

// Func adapts a plain function to Decoder.
type Func struct {
	Fn    func(data []byte) ([][]any, error)
	Width int
}

func (f Func) Decode(data []byte) ([][]any, error) { return f.Fn(data) }
func (f Func) Columns() int                         { return f.Width }

// CheckRows verifies every row has want values. want <= 0 accepts anything.
func CheckRows(rows [][]any, want int) error {
	if want <= 0 {
		return nil
	}
	for i, row := range rows {
		if len(row) != want {
			return &RowWidthError{Row: i, Got: len(row), Want: want}
		}
	}
	return nil
}
