package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one decoded line of debug.log.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	SessionID string         `json:"session_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Query selects entries. Zero fields match everything.
type Query struct {
	MinLevel string
	WorkerID string
	Phase    string
	Since    time.Time
	Contains string
	Limit    int // keep only the last Limit matches
}

var levelRank = map[string]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// ReadEntries decodes {stateDir}/debug.log. Lines that are not JSON objects
// are skipped; a missing file yields no entries.
func ReadEntries(stateDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(stateDir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if e, ok := decodeEntry(scanner.Bytes()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	// Processes append concurrently, so file order is only roughly by time.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func decodeEntry(line []byte) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}

	var e Entry
	take := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}
	if t, err := time.Parse(time.RFC3339Nano, take("time")); err == nil {
		e.Time = t
	}
	e.Level = take("level")
	e.Message = take("msg")
	e.SessionID = take("session_id")
	e.WorkerID = take("worker_id")
	e.Phase = take("phase")
	if len(raw) > 0 {
		e.Attrs = raw
	}
	return e, true
}

// Match reports whether e satisfies q.
func (q Query) Match(e Entry) bool {
	if q.MinLevel != "" {
		floor, known := levelRank[strings.ToUpper(q.MinLevel)]
		if known && levelRank[strings.ToUpper(e.Level)] < floor {
			return false
		}
	}
	if q.WorkerID != "" && e.WorkerID != q.WorkerID {
		return false
	}
	if q.Phase != "" && !strings.EqualFold(e.Phase, q.Phase) {
		return false
	}
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if q.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(q.Contains)) {
		return false
	}
	return true
}

// Select returns the entries matching q, oldest first.
func Select(entries []Entry, q Query) []Entry {
	var out []Entry
	for _, e := range entries {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// WriteEntries renders entries as "text", "json" or "csv".
func WriteEntries(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		return writeText(w, entries)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported log format %q (want text, json or csv)", format)
	}
}

func writeText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %-5s", e.Time.Format("15:04:05.000"), e.Level)
		if e.WorkerID != "" {
			fmt.Fprintf(&b, " [%s]", e.WorkerID)
		}
		if e.Phase != "" {
			fmt.Fprintf(&b, " %s", e.Phase)
		}
		fmt.Fprintf(&b, " %s", e.Message)
		for _, k := range sortedKeys(e.Attrs) {
			fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "level", "msg", "session_id", "worker_id", "phase", "attrs"}); err != nil {
		return err
	}
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			b, err := json.Marshal(e.Attrs)
			if err != nil {
				return err
			}
			attrs = string(b)
		}
		rec := []string{e.Time.Format(time.RFC3339Nano), e.Level, e.Message, e.SessionID, e.WorkerID, e.Phase, attrs}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
