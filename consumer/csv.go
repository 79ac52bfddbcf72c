package consumer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/pkg/record"
)

// CSV appends every row to one file per (device display name, endpoint name).
type CSV struct {
	dir    string
	logger *logrus.Entry
	files  map[string]*csvFile
}

type csvFile struct {
	path   string
	f      *os.File
	w      *csv.Writer
	failed bool
}

// NewCSV creates a CSV consumer writing into dir.
func NewCSV(dir string, logger *logrus.Entry) *CSV {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &CSV{dir: dir, logger: logger, files: make(map[string]*csvFile)}
}

func (c *CSV) Name() string { return "csv" }

// FileName returns the output path for a device and endpoint. Spaces become underscores.
func FileName(dir, displayName, endpoint string) string {
	name := strings.ReplaceAll(fmt.Sprintf("%s_%s.csv", displayName, endpoint), " ", "_")
	return filepath.Join(dir, name)
}

func (c *CSV) Run(_ context.Context, in <-chan *record.Record) error {
	defer c.closeAll()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create csv directory %q: %w", c.dir, err)
	}

	for r := range in {
		out := c.file(r)
		if out.failed {
			continue
		}
		for _, row := range r.Rows {
			if err := out.w.Write(formatRow(row)); err != nil {
				c.fail(out, err)
				break
			}
		}
		out.w.Flush()
		if err := out.w.Error(); err != nil {
			c.fail(out, err)
		}
	}
	return nil
}

// file returns the open output for r, creating the file with a header when
// it does not exist yet.
func (c *CSV) file(r *record.Record) *csvFile {
	path := FileName(c.dir, r.DisplayName, r.EndpointName())
	if out, ok := c.files[path]; ok {
		return out
	}

	out := &csvFile{path: path}
	c.files[path] = out

	_, statErr := os.Stat(path)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		c.fail(out, statErr)
		return out
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.fail(out, err)
		return out
	}
	out.f = f
	out.w = csv.NewWriter(f)

	if !exists {
		if err := out.w.Write(r.Columns()); err != nil {
			c.fail(out, err)
			return out
		}
		c.logger.WithField("file", path).Info("Created CSV file")
	} else {
		c.logger.WithField("file", path).Debug("Appending to existing CSV file")
	}
	return out
}

// fail disables one output file; other files keep working.
func (c *CSV) fail(out *csvFile, err error) {
	out.failed = true
	c.logger.WithError(err).WithField("file", out.path).Error("CSV output disabled")
}

func (c *CSV) closeAll() {
	for _, out := range c.files {
		if out.f == nil {
			continue
		}
		if out.w != nil {
			out.w.Flush()
		}
		if err := out.f.Close(); err != nil {
			c.logger.WithError(err).WithField("file", out.path).Warn("Failed to close CSV file")
		}
	}
}

func formatRow(row []any) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = formatValue(v)
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprint(x)
	}
}
