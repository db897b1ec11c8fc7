//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultExtension is appended to derived file names that have none.
const DefaultExtension = ".download"

const illegalFilenameChars = `\/*?:"<>|`

var (
	numericID = regexp.MustCompile(`^[0-9]+$`)
	// Fallback for Content-Disposition values mime.ParseMediaType rejects,
	// such as unquoted names containing spaces.
	dispositionFilename = regexp.MustCompile(`(?i)filename(\*?)\s*=\s*(?:"([^"]*)"|([^;]+))`)
)

// SanitizeFilename replaces the characters that are not allowed in file
// names on common filesystems and trims surrounding spaces.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalFilenameChars, r) || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// FilenameFromURL derives a file name for rawURL. It tries, in order, the
// base name of the URL path, the "filename" query parameter, a numeric "id"
// query parameter and finally a hash of the URL. DefaultExtension is
// appended when the result has no extension.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return hashFilename(rawURL)
	}

	name := ""
	if p, err := url.PathUnescape(u.Path); err == nil && !strings.HasSuffix(p, "/") {
		name = path.Base(p)
	}
	if name == "." || name == "/" {
		name = ""
	}

	if name == "" || !strings.Contains(name, ".") {
		query := u.Query()
		switch {
		case SanitizeFilename(query.Get("filename")) != "":
			name = query.Get("filename")
		case numericID.MatchString(query.Get("id")):
			name = "download_" + query.Get("id")
		default:
			name = hashFilename(rawURL)
		}
	}

	if !strings.Contains(name, ".") {
		name += DefaultExtension
	}
	name = SanitizeFilename(name)
	if name == "" || name == DefaultExtension {
		return hashFilename(rawURL)
	}
	return name
}

func hashFilename(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return "download_" + hex.EncodeToString(sum[:])[:8] + DefaultExtension
}

// FilenameFromContentDisposition extracts the file name suggested by a
// Content-Disposition header. The RFC 5987 "filename*" form takes priority
// over the plain "filename" form. It returns "" when no name is present.
func FilenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}

	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	} else {
		var plain, extended string
		for _, m := range dispositionFilename.FindAllStringSubmatch(header, -1) {
			value := strings.TrimSpace(m[2] + m[3])
			if m[1] == "" {
				plain = value
				continue
			}
			// charset'language'percent-encoded-value
			if parts := strings.SplitN(value, "'", 3); len(parts) == 3 {
				value = parts[2]
			}
			if decoded, err := url.PathUnescape(value); err == nil {
				extended = decoded
			}
		}
		name = plain
		if extended != "" {
			name = extended
		}
	}

	return SanitizeFilename(name)
}

// ResolvePath computes the destination of a download with the priority
// explicit full path > directory and file name > name derived from the URL.
// defaultDir is used when no directory is given. The returned path is absolute.
func ResolvePath(defaultDir, filePath, outputDir, filename, rawURL string) (string, error) {
	if filePath == "" {
		if outputDir == "" {
			outputDir = defaultDir
		}
		if filename == "" {
			filename = FilenameFromURL(rawURL)
		} else {
			filename = SanitizeFilename(filename)
		}
		if filename == "" {
			return "", fmt.Errorf("%w: empty file name", ErrInvalidRequest)
		}
		filePath = filepath.Join(outputDir, filename)
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return abs, nil
}

// ensureDir creates the parent directory of filePath.
func ensureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}
