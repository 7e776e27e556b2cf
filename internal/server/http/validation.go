package http

import (
	"fmt"
	"regexp"

	"agentd/internal/runtime"
)

const maxIDLength = 128

// idPattern permits identifiers safe to use as store keys and log fields.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._@:-]+$`)

func validateID(field, value string) error {
	if value == "" {
		return runtime.InvalidRequestError(fmt.Sprintf("%s is required", field))
	}
	if len(value) > maxIDLength {
		return runtime.InvalidRequestError(fmt.Sprintf("%s exceeds %d characters", field, maxIDLength))
	}
	if !idPattern.MatchString(value) {
		return runtime.InvalidRequestError(fmt.Sprintf("%s contains invalid characters", field))
	}
	return nil
}
