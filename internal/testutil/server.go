//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package testutil provides an HTTP file server for the download tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// GenerateTestData returns size bytes of deterministic content.
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// Options controls the behaviour of a Server. The zero value serves the
// content with HEAD and Range support.
type Options struct {
	// HeadSize overrides the Content-Length announced by HEAD.
	HeadSize int64
	// NoHead answers every HEAD request with 405.
	NoHead bool
	// HeadFailures is the number of HEAD requests answered with 500 before
	// the server starts answering them normally.
	HeadFailures int
	// NoContentLength streams GET bodies without Content-Length.
	NoContentLength bool
	// ContentDisposition is sent with HEAD and GET responses.
	ContentDisposition string
	// DispositionOnGetOnly limits ContentDisposition to GET responses.
	DispositionOnGetOnly bool
	// IgnoreRange answers range requests with the full content and 200.
	IgnoreRange bool
	// Refuse416 is the number of GET requests answered with 416 regardless
	// of their Range header.
	Refuse416 int
	// Status, if not zero, is the status of every GET response.
	Status int
	// Gate, if not nil, blocks GET bodies after GateAfter bytes until the
	// channel is closed or the client goes away.
	Gate      chan struct{}
	GateAfter int
	// FirstByteDelay delays the GET body.
	FirstByteDelay time.Duration
}

// Request is a request received by the Server.
type Request struct {
	Method string
	Path   string
	Header http.Header
}

// Server is an httptest.Server serving a single content on every path.
type Server struct {
	*httptest.Server
	content []byte
	opts    Options

	mu       sync.Mutex
	requests []Request
	heads    int
	gets     int
}

// NewServer starts a Server closed at the end of the test.
func NewServer(t *testing.T, content []byte, opts Options) *Server {
	t.Helper()
	s := &Server{content: content, opts: opts}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// File returns the URL of a file on the server.
func (s *Server) File(name string) string {
	return s.URL + "/" + name
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// GETs returns the number of GET requests received.
func (s *Server) GETs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// RangeHeaders returns the Range header of every GET request, "" for the
// ones without it.
func (s *Server) RangeHeaders() []string {
	var res []string
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet {
			res = append(res, r.Header.Get("Range"))
		}
	}
	return res
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()})
	var headCount, getCount int
	if r.Method == http.MethodHead {
		s.heads++
		headCount = s.heads
	} else {
		s.gets++
		getCount = s.gets
	}
	s.mu.Unlock()

	size := int64(len(s.content))
	if r.Method == http.MethodHead {
		switch {
		case s.opts.NoHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		case headCount <= s.opts.HeadFailures:
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.opts.HeadSize != 0 {
			size = s.opts.HeadSize
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		if s.opts.ContentDisposition != "" && !s.opts.DispositionOnGetOnly {
			w.Header().Set("Content-Disposition", s.opts.ContentDisposition)
		}
		return
	}

	if s.opts.Status != 0 {
		http.Error(w, http.StatusText(s.opts.Status), s.opts.Status)
		return
	}
	if getCount <= s.opts.Refuse416 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	var start int64
	if rh := r.Header.Get("Range"); rh != "" && !s.opts.IgnoreRange {
		from, _, _ := strings.Cut(strings.TrimPrefix(rh, "bytes="), "-")
		n, err := strconv.ParseInt(from, 10, 64)
		if err != nil || n >= size {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start = n
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
	}

	if s.opts.ContentDisposition != "" {
		w.Header().Set("Content-Disposition", s.opts.ContentDisposition)
	}
	body := s.content[start:]
	if !s.opts.NoContentLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	s.writeBody(w, r, body)
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, body []byte) {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.opts.FirstByteDelay > 0 {
		flush()
		select {
		case <-time.After(s.opts.FirstByteDelay):
		case <-r.Context().Done():
			return
		}
	}

	const piece = 1024
	gated := s.opts.Gate == nil
	for written := 0; written < len(body); {
		if !gated && written >= s.opts.GateAfter {
			gated = true
			flush()
			select {
			case <-s.opts.Gate:
			case <-r.Context().Done():
				return
			}
		}
		end := min(written+piece, len(body))
		if !gated {
			end = min(end, max(s.opts.GateAfter, written+1))
		}
		if _, err := w.Write(body[written:end]); err != nil {
			return
		}
		written = end
		flush()
	}
}
