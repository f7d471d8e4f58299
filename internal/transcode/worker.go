package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
)

// Stage is one step of a job. Stages run strictly in order.
type Stage string

const (
	StageEncoding   Stage = "encoding"
	StageUploading  Stage = "uploading"
	StageFinalizing Stage = "finalizing"
)

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Storage        *objectstore.Registry
	Encoder        Encoder
	TempDir        string
	Ladder         []Rendition
	SegmentSeconds int
	ThumbnailAt    time.Duration
	ThumbnailWidth int
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Worker runs the encoding and uploading stages of one job. It performs no
// retries of its own.
type Worker struct {
	storage        *objectstore.Registry
	encoder        Encoder
	tempDir        string
	ladder         []Rendition
	segmentSeconds int
	thumbnailAt    time.Duration
	thumbnailWidth int
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

// NewWorker checks that the encoder and storage are wired.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Storage == nil {
		return nil, errs.New(errs.FatalConfig, "worker requires storage")
	}
	if cfg.Encoder == nil {
		return nil, errs.New(errs.FatalConfig, "worker requires an encoder")
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	return &Worker{
		storage:        cfg.Storage,
		encoder:        cfg.Encoder,
		tempDir:        cfg.TempDir,
		ladder:         append([]Rendition(nil), ladder...),
		segmentSeconds: cfg.SegmentSeconds,
		thumbnailAt:    cfg.ThumbnailAt,
		thumbnailWidth: cfg.ThumbnailWidth,
		logger:         logging.WithComponent(cfg.Logger, "worker"),
		metrics:        cfg.Metrics,
	}, nil
}

// Run encodes job's input and uploads every artifact under deterministic
// keys. Any failure aborts the job; a retry starts again from encoding and
// overwrites the same keys.
func (w *Worker) Run(ctx context.Context, job models.TranscodeJob) (models.TranscodeResult, error) {
	gateway, err := w.storage.For(job.StorageType)
	if err != nil {
		return models.TranscodeResult{}, err
	}
	workDir, err := os.MkdirTemp(w.tempDir, "vodpipe-"+sanitizeName(job.VideoID)+"-")
	if err != nil {
		return models.TranscodeResult{}, errs.Wrap(errs.Transient, err, "create work directory")
	}
	defer os.RemoveAll(workDir)

	logger := w.logger.With("video_id", job.VideoID, "job_id", job.ID)

	var output EncodeOutput
	err = w.stage(ctx, logger, StageEncoding, func(ctx context.Context) error {
		input, err := fetchInput(ctx, gateway, job.Input, workDir)
		if err != nil {
			return err
		}
		output, err = w.encoder.Encode(ctx, EncodeRequest{
			Input:          input,
			OutputDir:      filepath.Join(workDir, "out"),
			Renditions:     w.ladder,
			SegmentSeconds: w.segmentSeconds,
			ThumbnailAt:    w.thumbnailAt,
			ThumbnailWidth: w.thumbnailWidth,
			JobID:          job.ID,
		})
		return err
	})
	if err != nil {
		return models.TranscodeResult{}, err
	}

	var result models.TranscodeResult
	err = w.stage(ctx, logger, StageUploading, func(ctx context.Context) error {
		var err error
		result, err = publish(ctx, gateway, job, output)
		return err
	})
	if err != nil {
		return models.TranscodeResult{}, err
	}
	result.DurationSeconds = output.DurationSeconds
	return result, nil
}

// stage runs fn as stage, logging and timing it. Errors are prefixed with
// the stage name and keep their kind.
func (w *Worker) stage(ctx context.Context, logger *slog.Logger, stage Stage, fn func(context.Context) error) error {
	return runStage(ctx, logger, w.metrics, stage, fn)
}

func runStage(ctx context.Context, logger *slog.Logger, recorder *metrics.Recorder, stage Stage, fn func(context.Context) error) error {
	start := time.Now()
	recorder.StageEntered(string(stage))
	logger.Info("stage started", "stage", stage)
	err := fn(ctx)
	recorder.StageExited(string(stage), time.Since(start), err)
	if err != nil {
		logger.Warn("stage failed", "stage", stage, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return fmt.Errorf("%s: %w", stage, err)
	}
	logger.Info("stage finished", "stage", stage, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func fetchInput(ctx context.Context, gateway objectstore.Gateway, key, workDir string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errs.New(errs.Validation, "job has no input")
	}
	body, err := gateway.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	ext := path.Ext(key)
	if ext == "" {
		ext = ".mp4"
	}
	target := filepath.Join(workDir, "input"+ext)
	file, err := os.Create(target)
	if err != nil {
		return "", errs.Wrap(errs.Transient, err, "create input file")
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		return "", errs.Wrap(errs.Transient, err, "copy input")
	}
	if err := file.Close(); err != nil {
		return "", errs.Wrap(errs.Transient, err, "close input")
	}
	return target, nil
}

// publish uploads segments before their manifest so a visible manifest
// never references a missing segment. The first failed upload fails the
// whole job.
func publish(ctx context.Context, gateway objectstore.Gateway, job models.TranscodeJob, output EncodeOutput) (models.TranscodeResult, error) {
	if len(output.Renditions) == 0 {
		return models.TranscodeResult{}, errs.New(errs.Transient, "encoder produced no renditions")
	}
	var result models.TranscodeResult
	for _, rendition := range output.Renditions {
		for _, segment := range rendition.Segments {
			key := objectstore.RenditionKey(job.UserID, job.BaseFilename, rendition.Name, filepath.Base(segment))
			if _, err := uploadFile(ctx, gateway, key, segment); err != nil {
				return models.TranscodeResult{}, err
			}
		}
		key := objectstore.RenditionKey(job.UserID, job.BaseFilename, rendition.Name, filepath.Base(rendition.Manifest))
		obj, err := uploadFile(ctx, gateway, key, rendition.Manifest)
		if err != nil {
			return models.TranscodeResult{}, err
		}
		result.Renditions = append(result.Renditions, models.RenditionOutput{
			Name:        rendition.Name,
			ManifestKey: obj.Key,
			ManifestURL: obj.URL,
			Segments:    len(rendition.Segments),
		})
	}
	if output.Thumbnail != "" {
		key := ThumbnailKey(job)
		obj, err := uploadFile(ctx, gateway, key, output.Thumbnail)
		if err != nil {
			return models.TranscodeResult{}, err
		}
		result.ThumbnailKey, result.ThumbnailURL = obj.Key, obj.URL
	}
	return result, nil
}

// ThumbnailKey returns the thumbnail key for job's renditions directory.
func ThumbnailKey(job models.TranscodeJob) string {
	asset := path.Join(objectstore.VideoPrefix(job.UserID, job.BaseFilename), job.BaseFilename+".mp4")
	return objectstore.ThumbnailKey(asset)
}

func uploadFile(ctx context.Context, gateway objectstore.Gateway, key, file string) (objectstore.Object, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return objectstore.Object{}, errs.Wrap(errs.Transient, err, "read artifact")
	}
	obj, err := gateway.Upload(ctx, key, data, objectstore.ContentTypeFor(key), nil)
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return obj, nil
}
