// Package xid generates document identifiers. Document ids are TypeIDs
// ("sale_01h2x..."), so they are K-sortable and carry their kind.
package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

const (
	PrefixSale         = "sale"
	PrefixItem         = "item"
	PrefixExpense      = "exp"
	PrefixNotification = "note"
)

// New returns a fresh TypeID with the given prefix. A prefix TypeID rejects
// falls back to a uuid so callers never receive an empty id.
func New(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	}
	return tid.String()
}

// Prefix reports the TypeID prefix of id, or "" when id is not a TypeID.
func Prefix(id string) string {
	tid, err := typeid.Parse(id)
	if err != nil {
		return ""
	}
	return tid.Prefix()
}

// ReportID builds a day-report id: the business date plus a short random
// suffix so two closes on the same date never collide.
func ReportID(date string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s", date, suffix)
}

// SessionID identifies one terminal session.
func SessionID() string {
	return uuid.NewString()
}

// Date formats t as the business date in loc.
func Date(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
