package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idTimeLayout keeps ids sortable by creation time.
const idTimeLayout = "20060102-150405"

// NewID allocates a time-based workflow identifier. Two workflows created in
// the same second stay distinct through the random suffix.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("wf-%s-%s", now.UTC().Format(idTimeLayout), suffix)
}
