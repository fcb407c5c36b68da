package transcript

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
)

// DefaultArchiveSchedule sweeps closed segments hourly, matching this
// codebase's cron-driven scheduler default cadence class.
const DefaultArchiveSchedule = "0 * * * *"

// ArchiveConfig controls the Archiver's optional S3 upload leg. A zero
// value disables upload: segments are still gzipped locally (as
// <segment>.gz), they simply aren't shipped anywhere. The uuid segment id
// only appears in the S3 object key.
type ArchiveConfig struct {
	Schedule string
	Bucket   string
	Prefix   string
}

// Archiver sweeps a transcript directory on a cron schedule, gzips closed
// segments (klauspost/compress, matching this codebase's gzip pipeline),
// tags each with a uuid, and — if a bucket is configured — uploads via
// aws-sdk-go-v2/service/s3. Upload failure never blocks rotation; it logs
// and retries next sweep. Grounded on internal/agent/scheduler.go's
// cron.Cron-driven job daemon.
type Archiver struct {
	dir    string
	cfg    ArchiveConfig
	logger *slog.Logger
	skip   func() string // current in-progress segment path, never archived

	cron     *cron.Cron
	s3Client *s3.Client
}

// NewArchiver builds an Archiver over dir. skip identifies the
// currently-open segment (Logger.CurrentSegmentPath) so the sweep never
// archives a file still being written.
func NewArchiver(dir string, cfg ArchiveConfig, skip func() string, logger *slog.Logger) *Archiver {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultArchiveSchedule
	}
	return &Archiver{dir: dir, cfg: cfg, logger: logger, skip: skip}
}

// Start schedules the sweep via robfig/cron. If cfg.Bucket is set, it also
// resolves AWS credentials from the default chain (env, shared config,
// instance role) up front so a misconfiguration surfaces immediately
// rather than on the first sweep.
func (a *Archiver) Start(ctx context.Context) error {
	if err := sanitizePrefix(a.cfg.Prefix); err != nil {
		return err
	}
	if a.cfg.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("transcript: loading AWS config: %w", err)
		}
		a.s3Client = s3.NewFromConfig(awsCfg)
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.cfg.Schedule, func() { a.sweep(ctx) }); err != nil {
		return fmt.Errorf("transcript: invalid archive schedule: %w", err)
	}
	a.cron.Start()

	go func() {
		<-ctx.Done()
		a.cron.Stop()
	}()
	return nil
}

func (a *Archiver) sweep(ctx context.Context) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Warn("transcript: archive sweep could not list dir", "error", err)
		return
	}

	current := ""
	if a.skip != nil {
		current = a.skip()
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		path := filepath.Join(a.dir, e.Name())
		if path == current {
			continue
		}
		if err := a.archiveOne(ctx, path); err != nil {
			a.logger.Warn("transcript: archiving segment failed, will retry next sweep", "segment", path, "error", err)
		}
	}
}

func (a *Archiver) archiveOne(ctx context.Context, path string) error {
	segmentID := uuid.New().String()
	gzPath := path + ".gz"

	if err := gzipFile(path, gzPath); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err := os.Remove(path); err != nil {
		a.logger.Warn("transcript: could not remove original segment after compression", "segment", path, "error", err)
	}

	if a.s3Client == nil {
		return nil
	}

	f, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("reopening compressed segment: %w", err)
	}
	defer f.Close()

	key := filepath.Join(a.cfg.Prefix, segmentID+".gz")
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading to s3: %w", err)
	}
	a.logger.Info("transcript: segment archived", "segment_id", segmentID, "bucket", a.cfg.Bucket, "key", key)
	return nil
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}
