package incidents

import (
	"fmt"
	"time"
)

// IncidentNumber formats the human-facing identifier BI-YYYYMMDD-NNNN from
// the creation date and the facility's running sequence
func IncidentNumber(createdAt time.Time, sequence int) string {
	return fmt.Sprintf("BI-%s-%04d", createdAt.UTC().Format("20060102"), sequence)
}
