package outbox

import (
	"fmt"

	"github.com/fieldline/taskflow/pkg/serrors"
)

var ErrInvalidConfig = serrors.NewError("OUTBOX_INVALID_CONFIG", "invalid outbox configuration", "")

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

func truncateError(err error, maxLen int) string {
	s := err.Error()
	if maxLen > 0 && len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
