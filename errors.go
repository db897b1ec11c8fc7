//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Errors reported through Task.Err. Transport failures are wrapped so that
// errors.Is can be used to tell them apart.
var (
	ErrTimeout             = errors.New("download: timed out")
	ErrConnection          = errors.New("download: connection error")
	ErrProxy               = errors.New("download: proxy error")
	ErrTLS                 = errors.New("download: TLS error")
	ErrHTTPStatus          = errors.New("download: unexpected HTTP status")
	ErrRangeNotSatisfiable = errors.New("download: range not satisfiable")
	ErrSizeMismatch        = errors.New("download: size mismatch")
	ErrInsufficientSpace   = errors.New("download: insufficient disk space")
	ErrWorkerExited        = errors.New("download: worker exited without a terminal status")
	ErrWorkerPanic         = errors.New("download: worker panic")
	ErrEngineClosed        = errors.New("download: engine is shut down")
	ErrInvalidRequest      = errors.New("download: invalid request")
)

// errStopped is returned by the transfer loop when the cooperative stop flag
// was observed. It never surfaces to callers: the task ends up canceled.
var errStopped = errors.New("download: stopped")

// HTTPError is returned when the server answers with a non-2xx status code.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download: %s returned %s", e.URL, e.Status)
}

// Unwrap makes errors.Is(err, ErrHTTPStatus) true for any HTTPError.
func (e *HTTPError) Unwrap() error {
	return ErrHTTPStatus
}

// classifyError maps a transport error to the download error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return fmt.Errorf("%w: %v", ErrProxy, err)
	}

	var (
		certErr      *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &alertErr),
		errors.As(err, &authorityErr), errors.As(err, &hostnameErr), errors.As(err, &invalidErr):
		return fmt.Errorf("%w: %v", ErrTLS, err)
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return err
}
