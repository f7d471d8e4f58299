// Package transcode turns an uploaded original into HLS renditions and
// publishes them to object storage.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
)

// Rendition is one rung of the encoding ladder.
type Rendition struct {
	Name             string
	Width            int
	Height           int
	VideoBitrateKbps int
	AudioBitrateKbps int
}

// DefaultLadder produces the nominal 720p and 1080p renditions.
var DefaultLadder = []Rendition{
	{Name: models.Rendition720p, Width: 1280, Height: 720, VideoBitrateKbps: 2000, AudioBitrateKbps: 128},
	{Name: models.Rendition1080p, Width: 1920, Height: 1080, VideoBitrateKbps: 4000, AudioBitrateKbps: 192},
}

const (
	defaultSegmentSeconds = 2
	defaultThumbnailAt    = time.Second
	defaultThumbnailWidth = 640
	manifestName          = "index.m3u8"
	thumbnailName         = "thumbnail.jpg"
)

// EncodeRequest describes one encoder run.
type EncodeRequest struct {
	Input          string
	OutputDir      string
	Renditions     []Rendition
	SegmentSeconds int
	ThumbnailAt    time.Duration
	ThumbnailWidth int
	// JobID tags encoder log lines.
	JobID string
}

// EncodedRendition lists the files produced for one rendition.
type EncodedRendition struct {
	Name     string
	Manifest string
	Segments []string
}

// EncodeOutput is everything an encoder run left in OutputDir.
type EncodeOutput struct {
	Renditions      []EncodedRendition
	Thumbnail       string
	DurationSeconds float64
}

// Encoder produces HLS renditions from a local input file.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) (EncodeOutput, error)
}

// FFmpegConfig configures FFmpegEncoder.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// FFmpegEncoder shells out to ffmpeg and ffprobe.
type FFmpegEncoder struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

func NewFFmpegEncoder(cfg FFmpegConfig) *FFmpegEncoder {
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := strings.TrimSpace(cfg.FFprobePath)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &FFmpegEncoder{ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logging.WithComponent(cfg.Logger, "encoder")}
}

// Probe describes the input as reported by ffprobe.
type Probe struct {
	DurationSeconds float64
	HasAudio        bool
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Probe runs ffprobe against input.
func (e *FFmpegEncoder) Probe(ctx context.Context, input string) (Probe, error) {
	cmd := exec.CommandContext(ctx, e.ffprobe, probeArgs(input)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, encoderError("ffprobe", err, stderr.String())
	}
	return parseProbe(out)
}

func probeArgs(input string) []string {
	return []string{"-v", "error", "-print_format", "json", "-show_entries", "format=duration:stream=codec_type", input}
}

func parseProbe(out []byte) (Probe, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Probe{}, errs.Wrap(errs.Validation, err, "decode ffprobe output")
	}
	var probe Probe
	if parsed.Format.Duration != "" {
		duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
		if err == nil {
			probe.DurationSeconds = duration
		}
	}
	hasVideo := false
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "audio":
			probe.HasAudio = true
		case "video":
			hasVideo = true
		}
	}
	if !hasVideo {
		return Probe{}, errs.New(errs.Validation, "input has no video stream")
	}
	return probe, nil
}

// Encode probes the input, writes every rendition and extracts the
// thumbnail.
func (e *FFmpegEncoder) Encode(ctx context.Context, req EncodeRequest) (EncodeOutput, error) {
	probe, err := e.Probe(ctx, req.Input)
	if err != nil {
		return EncodeOutput{}, err
	}
	plan, err := BuildPlan(req, probe)
	if err != nil {
		return EncodeOutput{}, err
	}
	logger := e.logger.With("job_id", req.JobID)
	if err := e.run(ctx, logger, "hls", plan.HLSArgs); err != nil {
		return EncodeOutput{}, err
	}
	if err := e.run(ctx, logger, "thumbnail", plan.ThumbnailArgs); err != nil {
		return EncodeOutput{}, err
	}
	output, err := CollectOutput(plan.OutputDir, plan.Renditions)
	if err != nil {
		return EncodeOutput{}, err
	}
	output.DurationSeconds = probe.DurationSeconds
	return output, nil
}

func (e *FFmpegEncoder) run(ctx context.Context, logger *slog.Logger, step string, args []string) error {
	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	tail := &tailBuffer{limit: 4096}
	cmd.Stdout = newLogWriter(logger, step, nil)
	cmd.Stderr = newLogWriter(logger, step, tail)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return encoderError("ffmpeg "+step, err, tail.String())
	}
	logger.Debug("ffmpeg step finished", "step", step, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Plan is the resolved ffmpeg invocation for one job.
type Plan struct {
	OutputDir     string
	Renditions    []Rendition
	HLSArgs       []string
	ThumbnailArgs []string
}

// BuildPlan resolves req into ffmpeg arguments. Every rendition is written
// to OutputDir/{name}/index.m3u8 with segment_%05d.ts segments and the
// thumbnail to OutputDir/thumbnail.jpg.
func BuildPlan(req EncodeRequest, probe Probe) (*Plan, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errs.New(errs.Validation, "input source is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return nil, errs.New(errs.Internal, "output directory is required")
	}
	absDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return nil, err
	}
	ladder := req.Renditions
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	segmentSeconds := req.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = defaultSegmentSeconds
	}
	thumbAt := req.ThumbnailAt
	if thumbAt <= 0 {
		thumbAt = defaultThumbnailAt
	}
	if probe.DurationSeconds > 0 && thumbAt.Seconds() >= probe.DurationSeconds {
		thumbAt = 0
	}
	thumbWidth := req.ThumbnailWidth
	if thumbWidth <= 0 {
		thumbWidth = defaultThumbnailWidth
	}

	seen := make(map[string]bool, len(ladder))
	renditions := make([]Rendition, 0, len(ladder))
	for _, r := range ladder {
		name := sanitizeName(r.Name)
		if seen[name] {
			return nil, errs.New(errs.Internal, fmt.Sprintf("duplicate rendition %q", name))
		}
		seen[name] = true
		r.Name = name
		renditions = append(renditions, r)
		if err := os.MkdirAll(filepath.Join(absDir, name), 0o755); err != nil {
			return nil, errs.Wrap(errs.Transient, err, "create rendition directory")
		}
	}

	args := []string{"-y", "-hide_banner", "-nostdin", "-i", req.Input}
	var filters []string
	splits := make([]string, len(renditions))
	for i := range renditions {
		splits[i] = fmt.Sprintf("[v%d]", i)
	}
	filters = append(filters, fmt.Sprintf("[0:v]split=%d%s", len(renditions), strings.Join(splits, "")))
	for i, r := range renditions {
		filters = append(filters, fmt.Sprintf("[v%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2[v%dout]", i, r.Width, r.Height, i))
	}
	args = append(args, "-filter_complex", strings.Join(filters, ";"))

	streamMap := make([]string, 0, len(renditions))
	for i, r := range renditions {
		args = append(args, "-map", fmt.Sprintf("[v%dout]", i))
		args = append(args,
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%dk", r.VideoBitrateKbps),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%dk", r.VideoBitrateKbps*107/100),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%dk", r.VideoBitrateKbps*3/2),
		)
		entry := fmt.Sprintf("v:%d", i)
		if probe.HasAudio {
			args = append(args, "-map", "0:a:0",
				fmt.Sprintf("-c:a:%d", i), "aac",
				fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", audioBitrate(r)),
			)
			entry += fmt.Sprintf(",a:%d", i)
		}
		streamMap = append(streamMap, entry+",name:"+r.Name)
	}
	args = append(args,
		"-preset", "veryfast",
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentSeconds),
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, "%v", "segment_%05d.ts")),
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.ToSlash(filepath.Join(absDir, "%v", manifestName)),
	)

	thumbnail := []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", strconv.FormatFloat(thumbAt.Seconds(), 'f', 3, 64),
		"-i", req.Input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", thumbWidth),
		"-q:v", "3",
		filepath.Join(absDir, thumbnailName),
	}

	return &Plan{OutputDir: absDir, Renditions: renditions, HLSArgs: args, ThumbnailArgs: thumbnail}, nil
}

func audioBitrate(r Rendition) int {
	if r.AudioBitrateKbps > 0 {
		return r.AudioBitrateKbps
	}
	return 128
}

// CollectOutput lists the files an encoder run left in dir. A rendition
// without a manifest or segments is an error.
func CollectOutput(dir string, renditions []Rendition) (EncodeOutput, error) {
	var output EncodeOutput
	for _, r := range renditions {
		renditionDir := filepath.Join(dir, r.Name)
		manifest := filepath.Join(renditionDir, manifestName)
		if _, err := os.Stat(manifest); err != nil {
			return EncodeOutput{}, errs.Wrap(errs.Transient, err, fmt.Sprintf("rendition %s produced no manifest", r.Name))
		}
		segments, err := filepath.Glob(filepath.Join(renditionDir, "*.ts"))
		if err != nil {
			return EncodeOutput{}, err
		}
		if len(segments) == 0 {
			return EncodeOutput{}, errs.New(errs.Transient, fmt.Sprintf("rendition %s produced no segments", r.Name))
		}
		sort.Strings(segments)
		output.Renditions = append(output.Renditions, EncodedRendition{Name: r.Name, Manifest: manifest, Segments: segments})
	}
	thumbnail := filepath.Join(dir, thumbnailName)
	if _, err := os.Stat(thumbnail); err == nil {
		output.Thumbnail = thumbnail
	}
	return output, nil
}

// encoderError classifies a failed encoder process. A missing binary or a
// crash is transient so the queue retries the job.
func encoderError(step string, err error, stderr string) error {
	msg := step + " failed"
	if tail := strings.TrimSpace(stderr); tail != "" {
		lines := strings.Split(tail, "\n")
		msg += ": " + strings.TrimSpace(lines[len(lines)-1])
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Transient, err, step+" interrupted")
	}
	return errs.Wrap(errs.Transient, err, msg)
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "variant"
	}
	return b.String()
}

// logWriter forwards process output to the logger line by line and keeps
// the most recent bytes in tail when set.
type logWriter struct {
	logger *slog.Logger
	step   string
	tail   *tailBuffer
}

func newLogWriter(logger *slog.Logger, step string, tail *tailBuffer) *logWriter {
	return &logWriter{logger: logger, step: step, tail: tail}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.tail != nil {
		w.tail.Write(p)
	}
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug(string(line), "step", w.step)
	}
	return total, nil
}

type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string { return string(t.buf) }
