package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"deviationsync/internal/domain"
)

// FileFeed reads records and history from a YAML document:
//
//	records:
//	  - id: 1042
//	    status: Investigation
//	    responsible_name: ada moreau
//	    responsible_email: Ada@Example.com
//	    opened_date: 2024-04-01
//	history:
//	  1042:
//	    - {status: Open, iteration: 1, entered_at: 2024-04-01T09:00:00Z, exited_at: 2024-04-03T15:00:00Z}
type FileFeed struct {
	Path string

	once sync.Once
	doc  fileDoc
	err  error
}

type fileDoc struct {
	Records []map[string]string            `yaml:"records"`
	History map[int64][]map[string]string `yaml:"history"`
}

var _ Feed = (*FileFeed)(nil)

var (
	recordColumns = columnSet("id", "status", "responsible_name", "responsible_email",
		"reporting_to_name", "reporting_to_email", "department", "client", "dr_type",
		"description", "batch", "tafqar_date", "criticality", "iteration_count", "is_reopened",
		"opened_date", "due_date", "closed_date", "reopened_date", "current_state_date")
	historyColumns = columnSet("status", "iteration", "entered_at", "exited_at")
)

func columnSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func checkColumns(m map[string]string, known map[string]bool) error {
	for k := range m {
		if !known[k] {
			return fmt.Errorf("unknown column %q", k)
		}
	}
	return nil
}

func (f *FileFeed) load() error {
	f.once.Do(func() {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			f.err = err
			return
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f.doc); err != nil && !errors.Is(err, io.EOF) {
			f.err = fmt.Errorf("invalid source yaml %s: %w", f.Path, err)
			return
		}
		f.err = f.doc.validate()
	})
	return f.err
}

func (d fileDoc) validate() error {
	for i, m := range d.Records {
		if err := checkColumns(m, recordColumns); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	for id, entries := range d.History {
		for _, m := range entries {
			if err := checkColumns(m, historyColumns); err != nil {
				return fmt.Errorf("history of record %d: %w", id, err)
			}
		}
	}
	return nil
}

func (f *FileFeed) Records(ctx context.Context) ([]domain.ParentRecord, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	out := make([]domain.ParentRecord, 0, len(f.doc.Records))
	for i, m := range f.doc.Records {
		rec, err := recordFromColumns(m)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *FileFeed) History(ctx context.Context, recordID int64) ([]domain.StatusHistoryEntry, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	var out []domain.StatusHistoryEntry
	for _, m := range f.doc.History[recordID] {
		e, err := historyFromColumns(m)
		if err != nil {
			return nil, fmt.Errorf("history of record %d: %w", recordID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
