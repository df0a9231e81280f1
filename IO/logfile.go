package IO

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LogWriter appends "<step> <tag> <value>" lines to a run log. The file is
// truncated when opened, so every run starts with an empty log.
type LogWriter struct {
	mu   sync.Mutex
	path string
}

func NewLogWriter(dir string) (*LogWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "log.txt")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &LogWriter{path: path}, nil
}

func (w *LogWriter) Path() string { return w.path }

// Log writes one line. Train losses carry 6 decimals, everything else 4.
func (w *LogWriter) Log(step int, tag string, value float64) error {
	prec := 4
	if tag == "train" {
		prec = 6
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d %s %.*f\n", step, tag, prec, value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LogEntry is one parsed line of a run log.
type LogEntry struct {
	Step  int
	Tag   string
	Value float64
}

// ReadLog parses a run log. Malformed lines are reported with their line number.
func ReadLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []LogEntry
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: want \"<step> <tag> <value>\"", path, n)
		}
		step, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		out = append(out, LogEntry{Step: step, Tag: fields[1], Value: v})
	}
	return out, sc.Err()
}
