package rundir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoOutput is returned when a job has not produced an output file yet.
var ErrNoOutput = errors.New("job output not available")

// IsNoOutput reports whether err indicates a missing output file.
func IsNoOutput(err error) bool {
	return errors.Is(err, ErrNoOutput)
}

// ReadOutput returns up to qty lines of the job output after skipping
// offset lines. A negative qty reads to the end of the file.
func ReadOutput(dir string, offset, qty int) ([]string, error) {
	f, err := os.Open(OutputPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoOutput
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return readLines(f, offset, qty)
}

func readLines(r io.Reader, offset, qty int) ([]string, error) {
	if offset < 0 {
		offset = 0
	}
	lines := make([]string, 0)
	if qty == 0 {
		return lines, nil
	}

	n := 0
	err := eachLine(r, func(line string) bool {
		n++
		if n <= offset {
			return true
		}
		lines = append(lines, line)
		return qty < 0 || len(lines) < qty
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// eachLine calls fn for every line of r until fn returns false. Lines have
// no length limit; the newline and a trailing carriage return are dropped.
func eachLine(r io.Reader, fn func(line string) bool) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if !fn(line) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// TailOutput returns the last n lines of the job output.
func TailOutput(dir string, n int) ([]string, error) {
	f, err := os.Open(OutputPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoOutput
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return tailLines(f, n)
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	buf := make([]string, 0, n)
	err := eachLine(r, func(line string) bool {
		if len(buf) < n {
			buf = append(buf, line)
			return true
		}
		copy(buf, buf[1:])
		buf[n-1] = line
		return true
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// FollowOutput copies the job output to w and keeps copying appended data
// until ctx is done or done() reports true after the file stopped growing.
// done may be nil, in which case only ctx ends the follow.
func FollowOutput(ctx context.Context, dir string, w io.Writer, done func() bool) error {
	path := OutputPath(dir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoOutput
		}
		return err
	}
	defer func() { _ = f.Close() }()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch output: %w", err)
	}

	// done() has to be re-checked even when the job writes nothing.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		if done != nil && done() {
			// Drain anything written between the last copy and the check.
			_, err := io.Copy(w, f)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch output: %w", err)
		case <-ticker.C:
		}
	}
}
