package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentinelops/taskforge/pkg/types"
)

const logFence = "================================================================================"

const logTimeFormat = "2006-01-02 15:04:05"

// nodeLogger is the append-only per-node log file. It starts with a
// fenced metadata block written exactly once, then timestamped lines
// grouped under TERMINAL OUTPUT and LLM RESPONSES headings.
type nodeLogger struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	section types.OutputKind
}

func nodeLogPath(logDir, taskID, nodeID string) string {
	return filepath.Join(logDir, "nodes", taskID, nodeID+".log")
}

func newNodeLogger(logDir string, rec *types.NodeRecord) (*nodeLogger, error) {
	path := nodeLogPath(logDir, rec.TaskID, rec.NodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create node log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open node log: %w", err)
	}

	nl := &nodeLogger{path: path, f: f}
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if err := nl.writeHeader(rec); err != nil {
			f.Close()
			return nil, err
		}
	}
	return nl, nil
}

func (l *nodeLogger) writeHeader(rec *types.NodeRecord) error {
	meta, err := json.MarshalIndent(struct {
		NodeID    string    `json:"node_id"`
		TaskID    string    `json:"task_id"`
		Abstract  string    `json:"abstract"`
		ParentID  string    `json:"parent_id,omitempty"`
		Depth     int       `json:"depth"`
		CreatedAt time.Time `json:"created_at"`
	}{rec.NodeID, rec.TaskID, rec.Abstract, rec.ParentID, rec.Depth, rec.CreatedAt}, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(l.f, "%s\nNODE METADATA (JSON)\n%s\n%s\n%s\n", logFence, logFence, meta, logFence)
	return err
}

// Write appends one timestamped chunk, emitting a section heading when
// the stream kind changes.
func (l *nodeLogger) Write(kind types.OutputKind, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}

	if kind != l.section {
		heading := "TERMINAL OUTPUT"
		if kind == types.OutputModel {
			heading = "LLM RESPONSES"
		}
		fmt.Fprintf(l.f, "\n--- %s ---\n", heading)
		l.section = kind
	}
	fmt.Fprintf(l.f, "[%s] %s\n", time.Now().Format(logTimeFormat), content)
}

func (l *nodeLogger) Path() string {
	return l.path
}

func (l *nodeLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
