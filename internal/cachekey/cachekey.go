// Package cachekey derives the storage path under which a transformed variant
// is cached. The key only depends on the source path and the resolved
// transform parameters, never on pixels.
package cachekey

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/resizeflow/internal/domain"
)

var ErrInvalidObjectPath = errors.New("object path has no file extension")

// record field order is part of the key format.
type record struct {
	W uint32 `json:"w"`
	H uint32 `json:"h"`
	M string `json:"m"`
	Q string `json:"q"`
	B uint32 `json:"b"`
}

// Split breaks path into the part before the last slash, the file name and the
// extension after the last dot.
func Split(path string) (prefix, name, ext string, err error) {
	path = strings.TrimPrefix(path, "/")

	file := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		prefix = path[:i]
		file = path[i+1:]
	}

	dot := strings.LastIndex(file, ".")
	if dot < 0 {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidObjectPath, path)
	}
	return prefix, file[:dot], file[dot+1:], nil
}

// Derive returns prefix/encoded-params/name.ext for the original extension.
func Derive(objectPath string, req domain.TransformRequest, cfg domain.TransformConfig) (string, error) {
	return DeriveFor(objectPath, "", req, cfg)
}

// DeriveFor is Derive with the extension replaced by ext when ext is not empty.
func DeriveFor(objectPath, ext string, req domain.TransformRequest, cfg domain.TransformConfig) (string, error) {
	prefix, name, origExt, err := Split(objectPath)
	if err != nil {
		return "", err
	}
	if ext == "" {
		ext = origExt
	}

	encoded, err := Encode(req, cfg)
	if err != nil {
		return "", err
	}

	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", encoded, name, ext), nil
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, encoded, name, ext), nil
}

// Encode renders the effective parameters as unpadded base64url JSON.
func Encode(req domain.TransformRequest, cfg domain.TransformConfig) (string, error) {
	body, err := json.Marshal(record{
		W: req.Width,
		H: req.HeightOr(cfg.DefaultHeight),
		M: string(req.Mode),
		Q: string(req.Quality),
		B: req.Blur,
	})
	if err != nil {
		return "", fmt.Errorf("marshal cache key params: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(body), nil
}
