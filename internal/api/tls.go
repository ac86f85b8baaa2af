// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"os"
)

// CheckTLSConfig reports whether the server should serve TLS. Both paths
// empty means plain HTTP; anything else requires both files to exist.
func CheckTLSConfig(certPath, keyPath string) (bool, error) {
	if certPath == "" && keyPath == "" {
		return false, nil
	}
	if certPath == "" || keyPath == "" {
		return false, fmt.Errorf("both tls_cert and tls_key must be specified (got cert=%q, key=%q)", certPath, keyPath)
	}

	certPath = expandPath(certPath)
	keyPath = expandPath(keyPath)

	if _, err := os.Stat(certPath); err != nil {
		return false, fmt.Errorf("tls_cert file not found: %s", certPath)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return false, fmt.Errorf("tls_key file not found: %s", keyPath)
	}

	return true, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
