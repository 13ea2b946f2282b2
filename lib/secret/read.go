// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
)

// ReadFromPath reads a base64-encoded key from a file (the node master
// key at rest) into a protected buffer. Leading/trailing whitespace is
// trimmed before decoding. Both the raw file bytes and the decoded
// intermediate are zeroed before returning.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(decoded, trimmed)
	Zero(data)
	if err != nil {
		Zero(decoded)
		return nil, fmt.Errorf("secret: decoding %s: %w", path, err)
	}

	// FromBytes zeros decoded[:n]; clear any base64 padding slack too.
	buffer, err := FromBytes(decoded[:n])
	Zero(decoded)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
