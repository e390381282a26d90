package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/resizeflow/internal/cachekey"
	"github.com/dunamismax/resizeflow/internal/storage"
)

// LocalFileFetcher reads sources from a directory tree, keyed by the object
// path relative to Root.
type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, objectKey string) (Object, error) {
	select {
	case <-ctx.Done():
		return Object{}, ctx.Err()
	default:
	}

	fullPath, err := localPath(f.Root, objectKey, false)
	if err != nil {
		return Object{}, err
	}

	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
	}
	if err != nil {
		return Object{}, fmt.Errorf("read input file %s: %w", objectKey, err)
	}
	return Object{Data: data, ContentType: contentTypeForPath(objectKey)}, nil
}

// LocalFileCache keeps rendered variants as files under Dir. A multi-frame
// source count is kept in a ".frames" file beside the variant.
type LocalFileCache struct {
	Dir string
}

func (c LocalFileCache) Lookup(ctx context.Context, key string) (Object, bool, error) {
	select {
	case <-ctx.Done():
		return Object{}, false, ctx.Err()
	default:
	}

	fullPath, err := localPath(c.Dir, key, true)
	if err != nil {
		return Object{}, false, err
	}

	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, fmt.Errorf("read cached file: %w", err)
	}

	obj := Object{Data: data, ContentType: contentTypeForPath(key)}
	if raw, err := os.ReadFile(fullPath + framesSuffix); err == nil {
		obj.SourceFrames, _ = strconv.Atoi(strings.TrimSpace(string(raw)))
	}
	return obj, true, nil
}

func (c LocalFileCache) Store(_ context.Context, key string, obj Object) error {
	fullPath, err := localPath(c.Dir, key, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	// Rename keeps concurrent readers from seeing a partial file.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, obj.Data, 0o644); err != nil {
		return fmt.Errorf("write cached file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit cached file: %w", err)
	}

	if obj.SourceFrames > 1 {
		if err := os.WriteFile(fullPath+framesSuffix, []byte(strconv.Itoa(obj.SourceFrames)), 0o644); err != nil {
			return fmt.Errorf("write frame count: %w", err)
		}
	}
	return nil
}

const framesSuffix = ".frames"

func localPath(root, key string, sanitize bool) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", errors.New("local directory is required")
	}

	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", cachekey.ErrInvalidObjectPath
	}

	segments := strings.Split(key, "/")
	for i, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", cachekey.ErrInvalidObjectPath, key)
		}
		if sanitize {
			segments[i] = sanitizePathToken(segment)
		}
	}
	return filepath.Join(root, filepath.FromSlash(path.Join(segments...))), nil
}

func contentTypeForPath(key string) string {
	format, ok := FormatFromExtension(strings.TrimPrefix(path.Ext(key), "."))
	if !ok {
		return ""
	}
	return format.ContentType()
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
