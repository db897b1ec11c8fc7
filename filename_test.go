//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "a_b_c_d_e_f_g_h_i_j", SanitizeFilename(`a<b>c:d"e/f\g|h?i*j`))
	require.Equal(t, "model v1.safetensors", SanitizeFilename("  model v1.safetensors "))
	require.Equal(t, "_x", SanitizeFilename("\x01x"))
	require.Empty(t, SanitizeFilename("   "))
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		url, expected string
	}{
		{"https://civitai.com/models/model.safetensors", "model.safetensors"},
		{"https://civitai.com/files/my%20lora.safetensors?token=abc", "my lora.safetensors"},
		{"https://example.com/download?filename=my%20model.ckpt", "my model.ckpt"},
		{"https://example.com/download?filename=bad/name.txt", "bad_name.txt"},
		{"https://example.com/download?filename=README", "README.download"},
		{"https://example.com/api/download?id=42", "download_42.download"},
		{"https://civitai.com/api/download/models/12345", "download_7ac616f7.download"},
		{"https://example.com/dir/", "download_13c8e884.download"},
		{"https://example.com/readme?id=abc", "download_a8bf1b01.download"},
	}
	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			require.Equal(t, test.expected, FilenameFromURL(test.url))
		})
	}
}

func TestFilenameFromContentDisposition(t *testing.T) {
	tests := []struct {
		header, expected string
	}{
		{``, ``},
		{`inline`, ``},
		{`attachment; filename="model.safetensors"`, `model.safetensors`},
		{`attachment; filename=model.safetensors`, `model.safetensors`},
		{`attachment; filename*=UTF-8''mod%C3%A8le.bin`, `modèle.bin`},
		{`attachment; filename="fallback.bin"; filename*=UTF-8''real%20name.bin`, `real name.bin`},
		{`attachment; filename=my model.bin`, `my model.bin`},
		{`attachment; filename="../../etc/passwd"`, `.._.._etc_passwd`},
	}
	for _, test := range tests {
		t.Run(test.header, func(t *testing.T) {
			require.Equal(t, test.expected, FilenameFromContentDisposition(test.header))
		})
	}
}

func TestResolvePath(t *testing.T) {
	def := t.TempDir()
	out := t.TempDir()
	url := "https://civitai.com/models/model.ckpt"

	path, err := ResolvePath(def, filepath.Join(out, "explicit.bin"), "/ignored", "ignored.bin", url)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "explicit.bin"), path)

	path, err = ResolvePath(def, "", out, "a:b.bin", url)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "a_b.bin"), path)

	path, err = ResolvePath(def, "", "", "name.bin", url)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(def, "name.bin"), path)

	path, err = ResolvePath(def, "", out, "", url)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "model.ckpt"), path)

	path, err = ResolvePath("downloads", "", "", "", url)
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "downloads", "model.ckpt"), path)

	_, err = ResolvePath(def, "", out, "   ", url)
	require.ErrorIs(t, err, ErrInvalidRequest)
}
