package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
)

// prepareCover checks the cover at src against the target height. Covers that already
// reach it are used as is. Shorter ones are upscaled into dir, unless that would stretch
// them by more than maxUpscale, which is rejected.
func (s *Stager) prepareCover(dir, src string) (string, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return "", apperr.Validationf("cover %s: %v: %v", src, errNotImage, err)
	}
	height := img.Bounds().Dy()
	if height <= 0 {
		return "", apperr.Validationf("cover %s: empty image", src)
	}
	if height >= s.targetHeight {
		return src, nil
	}
	scale := float64(s.targetHeight) / float64(height)
	if scale > s.maxUpscale {
		return "", apperr.Validationf("cover %s is %dpx tall; reaching %dpx needs %.1fx, above the %.1fx limit",
			src, height, s.targetHeight, scale, s.maxUpscale)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	resized := imaging.Resize(img, 0, s.targetHeight, imaging.Lanczos)
	dst := filepath.Join(dir, "cover-"+strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".jpg")
	if err := imaging.Save(resized, dst, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("save cover: %w", err)
	}
	s.log.Info("cover upscaled", zap.String("src", src), zap.Int("height", height))
	return dst, nil
}
