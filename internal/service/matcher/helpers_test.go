package matcher

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func inAnHour() time.Time { return time.Now().UTC().Add(time.Hour) }

func mustUUID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}
