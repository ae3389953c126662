// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel error kinds. Every error returned by this package wraps exactly
// one of these; callers map them to pool status entries with errors.Is.
var (
	// ErrTransient marks failures expected to clear on their own: network
	// and TLS errors, and provider responses containing "Service
	// Unavailable". The next tick retries.
	ErrTransient = errors.New("transient provider failure")

	// ErrQuotaExceeded marks responses containing
	// "MaxSpotInstanceCountExceeded".
	ErrQuotaExceeded = errors.New("spot instance quota exceeded")

	// ErrUnclassified marks everything else, including provider error codes
	// that are undocumented.
	ErrUnclassified = errors.New("unclassified provider failure")
)

// classify wraps err with the matching sentinel. The provider's error codes
// are only partially documented, so classification is by message substring,
// the same way the status entry mapping is specified.
func classify(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}

	switch {
	case strings.Contains(msg, "MaxSpotInstanceCountExceeded"):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case strings.Contains(msg, "Service Unavailable"),
		strings.Contains(msg, "ServiceUnavailable"),
		strings.Contains(msg, "RequestLimitExceeded"),
		isNetworkError(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnclassified, err)
	}
}

// isNetworkError reports whether err stems from the socket or TLS layer.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	return errors.As(err, &certErr)
}
