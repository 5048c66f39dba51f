package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goprovision/pkg/jobstore"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		// If appIdentity is already set from other tests, verify it returns
		if appIdentity != nil {
			result := GetAppIdentity()
			assert.NotNil(t, result)
			assert.Equal(t, appIdentity, result)
		}
	})
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "nil error", err: nil, wantCode: 0},
		{name: "plain error", err: cause, wantCode: exitFailure},
		{
			name:     "exit error",
			err:      exitError(exitWriteError, "Failed to write bundle", cause),
			wantCode: exitWriteError,
			wantMsg:  "Failed to write bundle: disk full",
		},
		{
			name:     "wrapped exit error",
			err:      fmt.Errorf("download: %w", exitError(exitNotFound, "Job 7 not found", cause)),
			wantCode: exitNotFound,
			wantMsg:  "Job 7 not found",
		},
		{
			name:     "nil cause uses message",
			err:      exitError(exitInvalidArg, "Missing --dir", nil),
			wantCode: exitInvalidArg,
			wantMsg:  "Missing --dir: missing --dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, exitCodeOf(tt.err))
			if tt.wantMsg != "" {
				assert.Contains(t, tt.err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	err := exitError(exitUnavailable, "Failed to open job store", jobstore.ErrNotFound)
	assert.True(t, errors.Is(err, jobstore.ErrNotFound))
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "42", want: 42},
		{raw: " 7 ", want: 7},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseID("job", tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, exitInvalidArg, exitCodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "-", orDash("   "))
	assert.Equal(t, "ops", orDash("ops"))
	assert.Equal(t, "-", formatOptionalTime(nil))
}
