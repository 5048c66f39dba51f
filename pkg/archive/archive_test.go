package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goprovision/pkg/jobstore"
	"github.com/3leaps/goprovision/pkg/rundir"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

// memStore keeps objects in memory.
type memStore struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[key] = data
	m.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "empty bucket", config: Config{}, wantErr: "bucket name is required"},
		{name: "minimal", config: Config{Bucket: "b"}},
		{name: "explicit creds", config: Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "secret"}},
		{name: "key without secret", config: Config{Bucket: "b", AccessKeyID: "AKIA"}, wantErr: "provided together"},
		{name: "secret without key", config: Config{Bucket: "b", SecretAccessKey: "secret"}, wantErr: "provided together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestArchiveAndOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, rundir.OutputFile), []byte("hello\n"), 0o644))
	require.NoError(t, rundir.WriteResult(dir, rundir.Result{RetCode: 0, CleanupCode: rundir.Code(0)}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "install.log"), []byte("x"), 0o644))

	store := newMemStore()
	a := newArchiver(store, Config{Bucket: "ops", Prefix: "/goprovision/", Include: []string{"output", "logs/**"}}, nil)
	job := &jobstore.Job{ID: 17, JobType: "echo", State: jobstore.StateCompleted}

	require.NoError(t, a.Archive(context.Background(), job, dir))

	assert.Equal(t, "goprovision/jobs/17.tar.gz", a.Key(17))
	meta := store.metadata["ops/goprovision/jobs/17.tar.gz"]
	assert.Equal(t, "17", meta["job-id"])
	assert.Equal(t, "COMPLETED", meta["state"])

	rc, err := a.Open(context.Background(), 17)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	assert.ElementsMatch(t, []string{"output", "logs/install.log"}, tarNames(t, rc))
}

func TestOpen_NotFound(t *testing.T) {
	a := newArchiver(newMemStore(), Config{Bucket: "ops"}, nil)

	_, err := a.Open(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "s3://ops/jobs/3.tar.gz")
}

func TestArchive_WrapsAPIErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "AccessDenied", want: ErrAccessDenied},
		{code: "NoSuchBucket", want: ErrBucketNotFound},
		{code: "InvalidAccessKeyId", want: ErrInvalidCredentials},
		{code: "SlowDown", want: ErrThrottled},
		{code: "ServiceUnavailable", want: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			store := newMemStore()
			store.putErr = &mockAPIError{code: tt.code, message: "nope"}
			a := newArchiver(store, Config{Bucket: "ops"}, nil)

			err := a.Archive(context.Background(), &jobstore.Job{ID: 1}, t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var archErr *Error
			require.ErrorAs(t, err, &archErr)
			assert.Equal(t, "PutObject", archErr.Op)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
