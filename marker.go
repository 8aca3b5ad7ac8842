package peertransit

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewBatchStamp returns a time-ordered token shared by the items of one pop.
func NewBatchStamp() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MarkerFor derives the per-item marker from a batch stamp and a row id.
// SQL stores build the same value in the database.
func MarkerFor(stamp string, id int64) string {
	return stamp + "/" + strconv.FormatInt(id, 10)
}

// ParseMarker splits a marker into its batch stamp and row id.
func ParseMarker(marker string) (string, int64, bool) {
	stamp, rawID, ok := strings.Cut(marker, "/")
	if !ok || stamp == "" {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return stamp, id, true
}
