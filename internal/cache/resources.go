// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kortschak/animage/internal/imaging"
)

// ResourceManager resolves image locators.
type ResourceManager interface {
	// Canonicalize returns the canonical form of uri.
	Canonicalize(uri string) (string, error)
	// Cacheable returns whether decoded content for the
	// canonical uri may be shared between requests.
	Cacheable(canonical string) bool
	// Load returns the encoded bytes for the canonical uri.
	Load(ctx context.Context, canonical string) ([]byte, error)
}

// Files is a ResourceManager for local files and data URIs. File paths are
// canonicalized to absolute file URIs. Relative paths are resolved against
// Dir, or the working directory if Dir is empty, and a leading "~/" is
// resolved against the user's home directory.
//
// Data URIs must be in the form "data:image/<type>[;<param>=<value>]*;base64,<data>".
// They are not cacheable.
type Files struct {
	Dir string
}

func (r Files) Canonicalize(uri string) (string, error) {
	if strings.HasPrefix(uri, "data:") {
		_, _, _, err := parseDataURI(uri)
		if err != nil {
			return "", err
		}
		return uri, nil
	}
	p := uri
	if scheme, rest, ok := strings.Cut(uri, ":"); ok && len(scheme) > 1 {
		if scheme != "file" {
			return "", fmt.Errorf("%w: scheme %q", imaging.ErrUnsupported, scheme)
		}
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %w", imaging.ErrInvalidArgument, err)
		}
		p = u.Path
		if p == "" {
			// Opaque file URIs, "file:name.png".
			p = rest
		}
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path", imaging.ErrInvalidArgument)
	}
	p, ok := strings.CutPrefix(p, "~/")
	if ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("file: %w", err)
		}
		p = filepath.Join(home, p)
	}
	if !filepath.IsAbs(p) {
		dir := r.Dir
		if dir == "" {
			var err error
			dir, err = os.Getwd()
			if err != nil {
				return "", fmt.Errorf("file: %w", err)
			}
		}
		p = filepath.Join(dir, p)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Clean(p))}).String(), nil
}

func (Files) Cacheable(canonical string) bool {
	return !strings.HasPrefix(canonical, "data:")
}

func (Files) Load(ctx context.Context, canonical string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(canonical, "data:") {
		_, val, enc, err := parseDataURI(canonical)
		if err != nil {
			return nil, err
		}
		if enc != "base64" {
			return nil, fmt.Errorf("%w: data uri encoding %q", imaging.ErrUnsupported, enc)
		}
		b, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %w", imaging.ErrInvalidArgument, err)
		}
		return b, nil
	}
	p, err := filePath(canonical)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// filePath returns the local path for a canonical file URI.
func filePath(canonical string) (string, error) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %w", imaging.ErrInvalidArgument, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: not a file uri: %s", imaging.ErrInvalidArgument, canonical)
	}
	return filepath.FromSlash(u.Path), nil
}

// parseDataURI splits an image data URI into its mime type, value and
// encoding.
func parseDataURI(uri string) (mtyp, val, enc string, err error) {
	u, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", "", fmt.Errorf("%w: invalid scheme: %s", imaging.ErrInvalidArgument, uri)
	}
	mtyp, val, ok = strings.Cut(u, ",")
	if !ok {
		return "", "", "", fmt.Errorf("%w: invalid data uri: %s", imaging.ErrInvalidArgument, truncate(uri))
	}
	typ, _, ok := strings.Cut(mtyp, "/")
	if !ok || typ != "image" {
		return "", "", "", fmt.Errorf("%w: not an image data uri: %s", imaging.ErrInvalidArgument, truncate(uri))
	}
	mtyp, enc, ok = cutLast(mtyp, ";")
	if !ok {
		return "", "", "", fmt.Errorf("%w: invalid image data uri: %s", imaging.ErrInvalidArgument, truncate(uri))
	}
	mtyp, _, _ = strings.Cut(mtyp, ";")
	return mtyp, val, enc, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func truncate(s string) string {
	const maxLen = 64
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ScaleQualifier returns the resource scale percentage encoded in the name
// of the canonical uri as a "scale-<percent>" dot-separated element, for
// example "logo.scale-200.png". It returns 100 if no qualifier is present.
func ScaleQualifier(canonical string) int {
	if strings.HasPrefix(canonical, "data:") {
		return 100
	}
	name := path.Base(canonical)
	for _, elem := range strings.Split(name, ".") {
		v, ok := strings.CutPrefix(elem, "scale-")
		if !ok {
			continue
		}
		pct, err := strconv.Atoi(v)
		if err == nil && pct > 0 {
			return pct
		}
	}
	return 100
}
