package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const rotateSuffix = "20060102"

// DailyFile is an io.WriteCloser writing to <dir>/<name>.log and rolling the
// file over at midnight. The previous day's file is renamed with a
// YYYYMMDD suffix.
type DailyFile struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	file *os.File
	day  string
}

// OpenDailyFile opens (or creates) <dir>/<name>.log for appending.
func OpenDailyFile(dir, name string) (*DailyFile, error) {
	return openDailyFile(dir, name, time.Now)
}

func openDailyFile(dir, name string, now func() time.Time) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	d := &DailyFile{
		path: filepath.Join(dir, name+".log"),
		now:  now,
	}
	if err := d.open(); err != nil {
		return nil, err
	}

	return d, nil
}

// Path returns the active log file path.
func (d *DailyFile) Path() string {
	return d.path
}

// Write implements io.Writer.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, os.ErrClosed
	}
	if today := d.now().Format(rotateSuffix); today != d.day {
		if err := d.rotate(); err != nil {
			return 0, err
		}
	}

	return d.file.Write(p)
}

// Close implements io.Closer.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil

	return err
}

func (d *DailyFile) open() error {
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	d.file = f
	d.day = d.now().Format(rotateSuffix)

	return nil
}

func (d *DailyFile) rotate() error {
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		d.file = nil
	}
	if err := os.Rename(d.path, d.path+"."+d.day); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}

	return d.open()
}
