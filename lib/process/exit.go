// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Kinship
// binaries: fatal error reporting to stderr for errors that occur
// before the structured logger is initialized.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
