package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Table is an ordered key=value table, the on-disk configuration format.
// Comments start with '#'; blank lines are ignored; later assignments to an
// existing key update it in place.
type Table struct {
	keys []string
	vals map[string]string
}

func NewTable() *Table {
	return &Table{vals: map[string]string{}}
}

// ParseTable reads the key=value format. A line without '=' is a fatal syntax
// error.
func ParseTable(r io.Reader) (*Table, error) {
	t := NewTable()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: not a key=value assignment: %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("config: line %d: empty key", lineNo)
		}
		t.Set(key, strings.TrimSpace(val))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return t, nil
}

func (t *Table) Get(key string) (string, bool) {
	v, ok := t.vals[key]
	return v, ok
}

func (t *Table) Set(key, val string) {
	if _, ok := t.vals[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.vals[key] = val
}

// Merge folds other into t, other winning on conflicts.
func (t *Table) Merge(other *Table) {
	for _, k := range other.keys {
		t.Set(k, other.vals[k])
	}
}

// Render writes the table back out. Render∘ParseTable is the identity modulo
// comments and whitespace around '='.
func (t *Table) Render() string {
	var b strings.Builder
	for _, k := range t.keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t.vals[k])
		b.WriteByte('\n')
	}
	return b.String()
}
