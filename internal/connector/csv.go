package connector

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"construction-migration-backend/internal/models"
)

// CSVConnector adapts an exported workbook (CSV) to the Connector interface.
// Row order in the file is the stable ordering key; the external id of each
// record is "<source system>:<row number>".
type CSVConnector struct {
	sourceSystem string
	scope        models.Scope

	file    *os.File
	reader  *csv.Reader
	headers []string
	row     int64
	total   int64
}

func NewCSVConnector(sourceSystem string) *CSVConnector {
	return &CSVConnector{sourceSystem: sourceSystem, total: -1}
}

func (c *CSVConnector) Open(ctx context.Context, scope models.Scope) error {
	c.scope = scope

	f, err := os.Open(scope.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewError(models.ErrFatalConfiguration, "source_file_missing", err)
		}
		// locked or unreachable files are worth retrying
		return models.NewError(models.ErrTransientSource, "source_open_failed", err)
	}

	c.total = countDataRows(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return models.NewError(models.ErrTransientSource, "source_seek_failed", err)
	}

	c.file = f
	c.reader = csv.NewReader(f)
	c.reader.FieldsPerRecord = -1

	headers, err := c.reader.Read()
	if err != nil {
		f.Close()
		return models.NewError(models.ErrFatalConfiguration, "source_header_missing",
			fmt.Errorf("reading header row of %s: %w", scope.SourcePath, err))
	}
	c.headers = make([]string, len(headers))
	for i, h := range headers {
		c.headers[i] = strings.TrimSpace(h)
	}
	c.row = 0
	return nil
}

func (c *CSVConnector) Next() (models.RawRecord, bool, error) {
	if c.reader == nil {
		return models.RawRecord{}, false, models.NewError(models.ErrTransientSource, "source_not_open", fmt.Errorf("connector not opened"))
	}
	for {
		if c.scope.MaxRecords > 0 && c.row >= c.scope.MaxRecords {
			return models.RawRecord{}, false, nil
		}
		fields, err := c.reader.Read()
		if err == io.EOF {
			return models.RawRecord{}, false, nil
		}
		if err != nil {
			return models.RawRecord{}, false, models.NewError(models.ErrTransientSource, "source_read_failed", err)
		}
		if len(fields) == 0 || strings.Join(fields, "") == "" {
			continue
		}
		c.row++
		rec := models.RawRecord{
			ExternalID: fmt.Sprintf("%s:%d", c.sourceSystem, c.row),
			Row:        c.row,
			Columns:    c.headers,
			Fields:     make(map[string]string, len(c.headers)),
		}
		for i, h := range c.headers {
			if i < len(fields) {
				rec.Fields[h] = fields[i]
			}
		}
		return rec, true, nil
	}
}

func (c *CSVConnector) EstimatedCount() int64 { return c.total }

func (c *CSVConnector) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.reader = nil
	return err
}

// countDataRows scans f counting non-empty lines, minus the header.
func countDataRows(f *os.File) int64 {
	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			n++
		}
	}
	if n > 0 {
		n-- // header
	}
	return n
}
