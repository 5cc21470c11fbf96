// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError exits with Code without printing an error line. The
// command has already written whatever the user needs to see, e.g.
// "end" reporting that peers could not confirm the session ended.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main to tell a handled exit from an error
// it should print.
func (e *ExitError) ExitCode() int {
	return e.Code
}
