package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
)

// csvSink streams records to run_diagnostics_{batch}.csv. The file starts
// with a "# " comment carrying the mesh summary, followed by the header row.
type csvSink struct {
	file   *os.File
	writer *csv.Writer
}

func newCSVSink(path, comment string) (*csvSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create diagnostics csv: %w", err)
	}
	s := &csvSink{file: f, writer: csv.NewWriter(f)}
	if _, err := fmt.Fprintf(f, "# %s\n", comment); err != nil {
		f.Close()
		return nil, fmt.Errorf("write diagnostics comment: %w", err)
	}
	if err := s.writeRow(CSVFields); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *csvSink) Write(rec Record) error {
	return s.writeRow(rec.csvRow())
}

func (s *csvSink) writeRow(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("write diagnostics row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush diagnostics csv: %w", err)
	}
	return nil
}

func (s *csvSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	s.writer.Flush()
	flushErr := s.writer.Error()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush diagnostics csv: %w", flushErr)
	}
	return closeErr
}
