// Package discovery builds the host batch of a run from static lists, host
// files (including exported failure files) and the local inventory, then
// narrows it with an optional Starlark filter and DNS resolution check.
// Hosts excluded by either step are reported as skipped, never dropped.
package discovery

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Candidate is a host found by a source, before filtering.
type Candidate struct {
	// Name is the hostname or address, optionally with ":port".
	Name string `json:"name"`

	// Labels are inventory labels; static and file sources leave them empty.
	Labels map[string]string `json:"labels,omitempty"`

	// Source names the source the candidate came from.
	Source string `json:"source"`
}

// Source yields candidate hosts.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Candidates returns the hosts of the source, in order.
	Candidates(ctx context.Context) ([]Candidate, error)
}

// StaticSource is a fixed list of host names.
type StaticSource struct {
	hosts []string
}

// NewStaticSource creates a source from host names. Comma separated entries
// are split so "--hosts a,b" and repeated flags behave the same.
func NewStaticSource(hosts ...string) *StaticSource {
	var out []string
	for _, h := range hosts {
		for _, part := range strings.Split(h, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return &StaticSource{hosts: out}
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Candidates implements Source.
func (s *StaticSource) Candidates(ctx context.Context) ([]Candidate, error) {
	out := make([]Candidate, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, Candidate{Name: h, Source: s.Name()})
	}
	return out, nil
}

// FileSource reads hosts from a file. Two layouts are accepted: a CSV with a
// "Host" column (the failure file written by a previous run), or plain text
// with one host per line. Blank lines and lines starting with '#' are ignored.
type FileSource struct {
	path string
}

// NewFileSource creates a file source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Candidates implements Source.
func (s *FileSource) Candidates(ctx context.Context) ([]Candidate, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open host file: %w", err)
	}
	defer f.Close()

	names, err := ParseHostList(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host file %s: %w", s.path, err)
	}

	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, Candidate{Name: n, Source: s.Name()})
	}
	return out, nil
}

// ParseHostList parses a host CSV or a plain host-per-line list.
func ParseHostList(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	cr := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	col := -1
	for i, field := range records[0] {
		if strings.EqualFold(strings.TrimSpace(field), "host") {
			col = i
			break
		}
	}

	// No header: one host per line, first field.
	if col < 0 {
		out := make([]string, 0, len(records))
		for _, rec := range records {
			if len(rec) > 0 && strings.TrimSpace(rec[0]) != "" {
				out = append(out, strings.TrimSpace(rec[0]))
			}
		}
		return out, nil
	}

	out := make([]string, 0, len(records)-1)
	for i, rec := range records[1:] {
		if col >= len(rec) {
			return nil, fmt.Errorf("record %d has no Host column", i+2)
		}
		if h := strings.TrimSpace(rec[col]); h != "" {
			out = append(out, h)
		}
	}
	return out, nil
}

// InventoryLister lists inventory hosts matching every given label.
type InventoryLister interface {
	ListInventory(ctx context.Context, labels map[string]string) ([]InventoryHost, error)
}

// InventoryHost is a host as stored in the inventory.
type InventoryHost struct {
	Name   string
	Labels map[string]string
}

// InventorySource selects hosts from the inventory by label.
type InventorySource struct {
	lister InventoryLister
	labels map[string]string
}

// NewInventorySource creates an inventory source.
func NewInventorySource(lister InventoryLister, labels map[string]string) *InventorySource {
	return &InventorySource{lister: lister, labels: labels}
}

// Name implements Source.
func (s *InventorySource) Name() string { return "inventory" }

// Candidates implements Source.
func (s *InventorySource) Candidates(ctx context.Context) ([]Candidate, error) {
	if s.lister == nil {
		return nil, errors.New("inventory source has no store")
	}
	hosts, err := s.lister.ListInventory(ctx, s.labels)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	out := make([]Candidate, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, Candidate{Name: h.Name, Labels: h.Labels, Source: s.Name()})
	}
	return out, nil
}

// ParseLabels parses "k=v,k2=v2" selectors.
func ParseLabels(selector string) (map[string]string, error) {
	labels := make(map[string]string)
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid label %q, want key=value", part)
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels, nil
}
