package videostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	title             TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	original_size     BIGINT NOT NULL DEFAULT 0,
	mime_type         TEXT NOT NULL DEFAULT '',
	video_type        TEXT NOT NULL,
	status            TEXT NOT NULL,
	processing_error  TEXT NOT NULL DEFAULT '',
	storage_type      TEXT NOT NULL DEFAULT '',
	original_key      TEXT NOT NULL DEFAULT '',
	original_url      TEXT NOT NULL DEFAULT '',
	hls_720_key       TEXT NOT NULL DEFAULT '',
	hls_720_url       TEXT NOT NULL DEFAULT '',
	hls_1080_key      TEXT NOT NULL DEFAULT '',
	hls_1080_url      TEXT NOT NULL DEFAULT '',
	external_url      TEXT NOT NULL DEFAULT '',
	duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
	thumbnail_key     TEXT NOT NULL DEFAULT '',
	thumbnail_url     TEXT NOT NULL DEFAULT '',
	download_url      TEXT NOT NULL DEFAULT '',
	uploaded_at       TIMESTAMPTZ NOT NULL,
	processed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS videos_user_uploaded_idx ON videos (user_id, uploaded_at DESC);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
`

const videoColumns = `id, user_id, title, original_filename, original_size, mime_type, video_type, status,
	processing_error, storage_type, original_key, original_url, hls_720_key, hls_720_url,
	hls_1080_key, hls_1080_url, external_url, duration_seconds, thumbnail_key, thumbnail_url,
	download_url, uploaded_at, processed_at`

// PostgresStore persists videos in a single table. Status changes are
// conditional updates so concurrent workers cannot regress a record.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  config
}

// NewPostgresStore opens a pool against dsn. Call Migrate before first use
// on a fresh database.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := newConfig(opts...)
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.New(errs.FatalConfig, "postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "parse postgres config")
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "open postgres pool")
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

// Migrate creates the videos table and its indexes when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, schema); err != nil {
			return fmt.Errorf("migrate videos: %w", err)
		}
		return nil
	})
}

// Ping verifies the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a connection bounded by the configured acquire timeout
// and runs fn on it.
func (s *PostgresStore) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if s == nil || s.pool == nil {
		return errs.New(errs.Transient, "postgres pool not configured")
	}
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errs.Wrap(errs.Transient, err, "acquire postgres connection")
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (s *PostgresStore) Create(ctx context.Context, video models.Video) (models.Video, error) {
	video, err := validateNew(video, s.cfg.Clock())
	if err != nil {
		return models.Video{}, err
	}
	err = s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO videos (`+videoColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
`, videoArgs(video)...)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return models.Video{}, errs.New(errs.Conflict, fmt.Sprintf("video %s already exists", video.ID))
		}
		return models.Video{}, wrapQueryError(err, "insert video")
	}
	return video, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Video, error) {
	var video models.Video
	err := s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
		var scanErr error
		video, scanErr = scanVideo(row)
		return scanErr
	})
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, notFound(id)
		}
		return models.Video{}, wrapQueryError(err, "load video")
	}
	return video, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]models.Video, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + videoColumns + ` FROM videos`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY uploaded_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var videos []models.Video
	err := s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			video, err := scanVideo(rows)
			if err != nil {
				return err
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapQueryError(err, "list videos")
	}
	return videos, nil
}

// transition loads the row under FOR UPDATE, applies mutate and writes it
// back. The status guard is evaluated against the locked row.
func (s *PostgresStore) transition(ctx context.Context, id string, to models.Status, mutate func(*models.Video) error) (models.Video, error) {
	var updated models.Video
	err := s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transition: %w", err)
		}
		defer rollbackTx(ctx, tx)

		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
		current, err := scanVideo(row)
		if err != nil {
			if isNoRows(err) {
				return notFound(id)
			}
			return err
		}
		if current.VideoType != models.VideoTypeUpload {
			return errs.New(errs.Conflict, fmt.Sprintf("video %s is not an upload", id))
		}
		if !models.CanTransition(current.Status, to) {
			return invalidTransition(id, current.Status, to)
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE videos SET
	status = $2, processing_error = $3, hls_720_key = $4, hls_720_url = $5,
	hls_1080_key = $6, hls_1080_url = $7, duration_seconds = $8,
	thumbnail_key = $9, thumbnail_url = $10, processed_at = $11
WHERE id = $1
`, next.ID, string(next.Status), next.ProcessingError, next.HLS720Key, next.HLS720URL,
			next.HLS1080Key, next.HLS1080URL, next.DurationSeconds,
			next.ThumbnailKey, next.ThumbnailURL, next.ProcessedAt); err != nil {
			return fmt.Errorf("update video: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		var typed *errs.Error
		if errors.As(err, &typed) {
			return models.Video{}, err
		}
		return models.Video{}, wrapQueryError(err, "transition video")
	}
	return updated, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (models.Video, error) {
	return s.transition(ctx, id, models.StatusProcessing, func(v *models.Video) error {
		v.Status = models.StatusProcessing
		return nil
	})
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result models.TranscodeResult, at time.Time) (models.Video, error) {
	return s.transition(ctx, id, models.StatusCompleted, func(v *models.Video) error {
		return applyCompleted(v, result, at)
	})
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, message string, at time.Time) (models.Video, error) {
	return s.transition(ctx, id, models.StatusFailed, func(v *models.Video) error {
		applyFailed(v, message, at)
		return nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := s.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return wrapQueryError(err, "delete video")
	}
	if affected == 0 {
		return notFound(id)
	}
	return nil
}

func videoArgs(v models.Video) []any {
	return []any{
		v.ID, v.UserID, v.Title, v.OriginalFilename, v.OriginalSize, v.MimeType,
		string(v.VideoType), string(v.Status), v.ProcessingError, string(v.StorageType),
		v.OriginalKey, v.OriginalURL, v.HLS720Key, v.HLS720URL, v.HLS1080Key, v.HLS1080URL,
		v.ExternalURL, v.DurationSeconds, v.ThumbnailKey, v.ThumbnailURL, v.DownloadURL,
		v.UploadedAt.UTC(), v.ProcessedAt,
	}
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		v           models.Video
		videoType   string
		status      string
		storageType string
		processedAt *time.Time
	)
	err := row.Scan(
		&v.ID, &v.UserID, &v.Title, &v.OriginalFilename, &v.OriginalSize, &v.MimeType,
		&videoType, &status, &v.ProcessingError, &storageType,
		&v.OriginalKey, &v.OriginalURL, &v.HLS720Key, &v.HLS720URL, &v.HLS1080Key, &v.HLS1080URL,
		&v.ExternalURL, &v.DurationSeconds, &v.ThumbnailKey, &v.ThumbnailURL, &v.DownloadURL,
		&v.UploadedAt, &processedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	v.VideoType = models.VideoType(videoType)
	v.Status = models.Status(status)
	v.StorageType = models.StorageType(storageType)
	v.UploadedAt = v.UploadedAt.UTC()
	if processedAt != nil {
		at := processedAt.UTC()
		v.ProcessedAt = &at
	}
	return v, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapQueryError classifies driver failures. Pool shutdown and connection
// errors are transient so queue consumers retry them.
func wrapQueryError(err error, msg string) error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, puddle.ErrClosedPool) || errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) {
		return errs.Wrap(errs.Transient, err, msg)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return errs.Wrap(errs.Transient, err, msg)
	}
	return errs.Wrap(errs.Internal, err, msg)
}
