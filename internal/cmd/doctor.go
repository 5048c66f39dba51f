package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goprovision/internal/config"
	"github.com/3leaps/goprovision/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the installation and suggest fixes for common issues.

Checks the toolchain, configuration, jobs directory, job store and the
registered job types. When archiving is enabled the S3 credentials are
checked as well.

Examples:
  goprovision doctor
  goprovision doctor --config /etc/goprovision/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one numbered diagnostic. A failing check returns a short
// reason; fatal checks stop the run.
type doctorCheck struct {
	name  string
	fatal bool
	run   func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	var cfg *config.Config
	checks := []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Crucible access", run: checkCrucible},
		{name: "configuration", fatal: true, run: func(ctx context.Context) (string, error) {
			var err error
			cfg, err = config.Load(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("store=%s jobs_dir=%s", cfg.Store.Driver, cfg.Scheduler.JobsDir), nil
		}},
		{name: "jobs directory", run: func(context.Context) (string, error) { return checkJobsDir(cfg.Scheduler.JobsDir) }},
		{name: "job store", run: func(ctx context.Context) (string, error) {
			store, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := store.Ping(ctx); err != nil {
				return "", err
			}
			counts, err := store.CountByState(ctx)
			if err != nil {
				return "", err
			}
			total := 0
			for _, n := range counts {
				total += n
			}
			return fmt.Sprintf("%d jobs", total), nil
		}},
		{name: "job types", run: checkJobTypes},
		{name: "archive credentials", run: func(ctx context.Context) (string, error) {
			if !cfg.Archive.Enabled {
				return "archive disabled", nil
			}
			return checkArchiveCredentials(ctx, cfg.Archive)
		}},
	}

	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			log.Error(prefix+" ❌", zap.Error(err))
			if c.fatal {
				return exitError(exitConfig, "Doctor stopped at "+c.name, err)
			}
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}

	log.Info("")
	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(exitFailure, fmt.Sprintf("%d of %d checks failed", failed, len(checks)), nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func checkGoVersion(context.Context) (string, error) {
	v := runtime.Version()
	if strings.HasPrefix(v, "go1.") && v < "go1.23" {
		return "", fmt.Errorf("%s is older than go1.23", v)
	}
	return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH), nil
}

func checkCrucible(context.Context) (string, error) {
	v := crucible.GetVersion()
	if v.Crucible == "" || v.Gofulmen == "" {
		return "", fmt.Errorf("crucible or gofulmen version unavailable")
	}
	return fmt.Sprintf("crucible v%s, gofulmen v%s", v.Crucible, v.Gofulmen), nil
}

// checkJobsDir creates the jobs directory if needed and checks it is writable.
func checkJobsDir(dir string) (string, error) {
	// #nosec G301 -- same mode the scheduler uses
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return abs, nil
}

func checkJobTypes(context.Context) (string, error) {
	reg, err := newRegistry()
	if err != nil {
		return "", err
	}
	types := reg.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return strings.Join(names, ", "), nil
}

func checkArchiveCredentials(ctx context.Context, a config.ArchiveConfig) (string, error) {
	if a.AccessKeyID != "" {
		return "static key " + maskAccessKey(a.AccessKeyID), nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if a.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.Profile))
	}
	if a.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (source %s)", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure archive credentials:")
	log.Info("  1. Set archive.access_key_id and archive.secret_access_key, or")
	log.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  3. Set archive.profile to a profile from 'aws configure', or")
	log.Info("  4. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set archive.endpoint")
	log.Info("and usually archive.force_path_style.")
	log.Info("")
}
