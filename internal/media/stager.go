// Package media prepares the files a task refers to before the driver runs: objects stored
// in S3 are downloaded into a per-task staging directory and cover images are checked and
// normalized.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/models"
)

const (
	defaultTargetHeight = 1080
	defaultMaxUpscale   = 3.0
)

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Stager turns a payload into one whose file paths are local and ready for the driver.
type Stager struct {
	dir          string
	s3           objectGetter
	targetHeight int
	maxUpscale   float64
	log          *zap.Logger
}

// NewStager builds a stager. S3 staging is only available when a region is configured.
func NewStager(ctx context.Context, cfg config.MediaConfig, log *zap.Logger) (*Stager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stager{
		dir:          cfg.StagingDir,
		targetHeight: cfg.TargetHeight,
		maxUpscale:   cfg.MaxCoverUpscale,
		log:          log.Named("media"),
	}
	if s.dir == "" {
		s.dir = filepath.Join(os.TempDir(), "upload-staging")
	}
	if s.targetHeight <= 0 {
		s.targetHeight = defaultTargetHeight
	}
	if s.maxUpscale <= 0 {
		s.maxUpscale = defaultMaxUpscale
	}
	if cfg.S3Region != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.s3 = client
	}
	return s, nil
}

func newS3Client(ctx context.Context, cfg config.MediaConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Staged is a prepared payload. Cleanup removes everything staged for it.
type Staged struct {
	Payload models.Payload
	dir     string
}

func (s Staged) Cleanup() {
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}

// Prepare stages the media of an upload payload for taskID. Other payload kinds carry no
// files and are returned unchanged. Problems with the media itself are validation errors
// so the task fails without retrying.
func (s *Stager) Prepare(ctx context.Context, taskID string, p models.Payload) (Staged, error) {
	if p.Upload == nil {
		return Staged{Payload: p}, nil
	}
	out := p.Clone()
	staged := Staged{Payload: out, dir: filepath.Join(s.dir, taskID)}
	fail := func(err error) (Staged, error) {
		staged.Cleanup()
		return Staged{}, err
	}

	video, err := s.fetch(ctx, staged.dir, out.Upload.VideoPath)
	if err != nil {
		return fail(err)
	}
	out.Upload.VideoPath = video

	if out.Upload.CoverPath != "" {
		cover, err := s.fetch(ctx, staged.dir, out.Upload.CoverPath)
		if err != nil {
			return fail(err)
		}
		cover, err = s.prepareCover(staged.dir, cover)
		if err != nil {
			return fail(err)
		}
		out.Upload.CoverPath = cover
	}
	staged.Payload = out
	return staged, nil
}

// fetch returns a local path for ref, downloading s3:// references into dir.
func (s *Stager) fetch(ctx context.Context, dir, ref string) (string, error) {
	if !strings.HasPrefix(ref, "s3://") {
		if _, err := os.Stat(ref); err != nil {
			return "", apperr.Validationf("media %s: %v", ref, err)
		}
		return ref, nil
	}
	if s.s3 == nil {
		return "", apperr.Validationf("media %s: s3 staging is not configured", ref)
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return "", apperr.Validationf("media %s: malformed s3 reference", ref)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")

	obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", ref, err)
	}
	defer obj.Body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	dst := filepath.Join(dir, path.Base(key))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(f, obj.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref, err)
	}
	s.log.Debug("staged object", zap.String("ref", ref), zap.String("path", dst), zap.Int64("bytes", n))
	return dst, nil
}

var errNotImage = errors.New("not a decodable image")
