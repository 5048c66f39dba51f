package rundir

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_EnsureAndRemove(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	dir, err := l.Ensure(42)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "42"), dir)
	assert.DirExists(t, dir)

	require.NoError(t, l.Remove(42))
	assert.NoDirExists(t, dir)
}

func TestLayout_EnsureRequiresRoot(t *testing.T) {
	_, err := NewLayout("  ").Ensure(1)
	require.Error(t, err)
}

func TestResult_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ended := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	require.NoError(t, WriteResult(dir, Result{RetCode: RetCanceled, CleanupCode: Code(0), EndedAt: ended}))

	got, err := ReadResult(dir)
	require.NoError(t, err)
	assert.Equal(t, RetCanceled, got.RetCode)
	require.NotNil(t, got.CleanupCode)
	assert.Equal(t, 0, *got.CleanupCode)
	assert.True(t, got.EndedAt.Equal(ended))

	require.NoError(t, ClearResult(dir))
	_, err = ReadResult(dir)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, ClearResult(dir))
}

func TestResult_CorruptFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(ResultPath(dir), []byte("{not json"), 0644))

	_, err := ReadResult(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(ResultPath(dir), []byte("   "), 0644))
	_, err = ReadResult(dir)
	require.Error(t, err)
}

func TestEnvelope_RoundTripAndRemove(t *testing.T) {
	dir := t.TempDir()

	env := Envelope{
		JobID:      7,
		JobType:    "echo",
		Dir:        dir,
		Parameters: "ECHO hi",
		RetCode:    RetTimeout,
		Cause:      CauseTimeout,
	}
	require.NoError(t, WriteEnvelope(dir, env))

	got, err := ReadEnvelope(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.JobID)
	assert.Equal(t, CauseTimeout, got.Cause)
	assert.False(t, got.CreatedAt.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive an atomic write")

	require.NoError(t, RemoveEnvelope(dir))
	assert.NoFileExists(t, EnvelopePath(dir))
	require.NoError(t, RemoveEnvelope(dir))
}

func TestCause_RetCode(t *testing.T) {
	assert.Equal(t, RetCanceled, CauseCanceled.RetCode())
	assert.Equal(t, RetTimeout, CauseTimeout.RetCode())
	assert.Equal(t, RetException, CauseException.RetCode())
	assert.Equal(t, RetException, Cause("bogus").RetCode())
}

func writeOutput(t *testing.T, dir string, lines ...string) {
	t.Helper()
	f, err := OpenOutput(dir)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestReadOutput_OffsetAndQty(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "a", "b", "c", "d", "e")

	tests := []struct {
		name   string
		offset int
		qty    int
		want   []string
	}{
		{name: "all", offset: 0, qty: -1, want: []string{"a", "b", "c", "d", "e"}},
		{name: "skip two", offset: 2, qty: -1, want: []string{"c", "d", "e"}},
		{name: "window", offset: 1, qty: 2, want: []string{"b", "c"}},
		{name: "past end", offset: 10, qty: -1, want: []string{}},
		{name: "zero qty", offset: 0, qty: 0, want: []string{}},
		{name: "negative offset", offset: -3, qty: 1, want: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadOutput(dir, tt.offset, tt.qty)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadOutput_Missing(t *testing.T) {
	_, err := ReadOutput(t.TempDir(), 0, -1)
	assert.True(t, IsNoOutput(err))
}

func TestTailOutput(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "1", "2", "3", "4")

	got, err := TailOutput(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, got)

	got, err = TailOutput(dir, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, got)
}

func TestOutput_LongLines(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", 3<<20)
	writeOutput(t, dir, "first", long, "last")

	got, err := ReadOutput(dir, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0], len(long))

	got, err = ReadOutput(dir, 0, -1)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "last", got[2])

	got, err = TailOutput(dir, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], len(long))
	assert.Equal(t, "last", got[1])
}

func TestReadLines_LineEndings(t *testing.T) {
	got, err := readLines(strings.NewReader("a\r\nb\n\nc"), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "", "c"}, got)

	got, err = tailLines(strings.NewReader("a\nb\n"), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestFollowOutput_StopsWhenDone(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "first")

	var finished bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := OpenOutput(dir)
		if err != nil {
			return
		}
		_, _ = f.WriteString("second\n")
		_ = f.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	calls := 0
	err := FollowOutput(ctx, dir, &buf, func() bool {
		calls++
		if strings.Contains(buf.String(), "second") {
			finished = true
		}
		return finished
	})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", buf.String())
	assert.Positive(t, calls)
}

func TestWriteBundle_FiltersAndSkipsHandoffFiles(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "hello")
	require.NoError(t, WriteResult(dir, Result{RetCode: RetSuccess}))
	require.NoError(t, WriteEnvelope(dir, Envelope{JobID: 1}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "artifacts", "logs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "logs", "install.log"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "disk.img"), []byte("big"), 0644))

	tests := []struct {
		name    string
		include []string
		want    []string
	}{
		{name: "default", include: nil, want: []string{".result", "artifacts/disk.img", "artifacts/logs/install.log", "output"}},
		{name: "logs only", include: []string{"output", "**/*.log"}, want: []string{"artifacts/logs/install.log", "output"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := WriteBundle(dir, &buf, tt.include)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, bundleNames(t, &buf))
		})
	}
}

func TestWriteBundle_RejectsBadPattern(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteBundle(t.TempDir(), &buf, []string{"[unclosed"})
	require.Error(t, err)
}

func bundleNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}
