package observability

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "defaults", cfg: LogConfig{}},
		{name: "console debug", cfg: LogConfig{Level: "debug", Profile: "console"}},
		{name: "structured upper", cfg: LogConfig{Level: "warn", Profile: "STRUCTURED"}},
		{name: "bad level", cfg: LogConfig{Level: "loud"}, wantErr: true},
		{name: "bad profile", cfg: LogConfig{Profile: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("test", tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestNewLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goprovision.log")
	logger, err := NewLogger("scheduler", LogConfig{Level: "info", File: path})
	require.NoError(t, err)

	logger.Info("cycle complete")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cycle complete")
	assert.Contains(t, string(b), `"logger":"scheduler"`)
}

func TestSetLoggerNil(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	SetLogger(nil)
	require.NotNil(t, CLILogger)
	assert.NotNil(t, Or(nil))
}

func TestMetricsHandler(t *testing.T) {
	orig := Registry
	defer func() { Registry = orig }()

	Registry = nil
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	InitMetrics()
	rec = httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
