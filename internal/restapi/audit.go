package restapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AuditEntry records one destructive admin action for the audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
}

// AuditLogger appends AuditEntry records to a size-rotated file.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64
	maxBackups  int
	currentSize int64
}

// NewAuditLogger opens (creating if needed) the audit log at path.
func NewAuditLogger(path string, maxSize int64, maxBackups int) (*AuditLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat audit log file: %w", err)
	}

	return &AuditLogger{
		file:        file,
		path:        path,
		maxSize:     maxSize,
		maxBackups:  maxBackups,
		currentSize: stat.Size(),
	}, nil
}

// Log appends entry, rotating the file first if it would exceed maxSize.
func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.maxSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	l.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	newPath := fmt.Sprintf("%s.%s", l.path, timestamp)
	if err := os.Rename(l.path, newPath); err != nil {
		return err
	}

	if err := l.cleanupBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "audit log cleanup failed: %v\n", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = file
	l.currentSize = 0
	return nil
}

func (l *AuditLogger) cleanupBackups() error {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return err
	}
	if len(matches) <= l.maxBackups {
		return nil
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		stat, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: match, modTime: stat.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	toRemove := len(files) - l.maxBackups
	for i := 0; i < toRemove && i < len(files); i++ {
		os.Remove(files[i].path)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
