package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStreamID splits a stream-assigned id ("<ms>-<seq>") into its parts. A
// bare millisecond value is accepted with an implicit sequence of zero.
func ParseStreamID(id string) (ms int64, seq int64, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, 0, fmt.Errorf("stream id is empty")
	}
	msPart, seqPart, hasSeq := strings.Cut(id, "-")
	ms, err = strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	if !hasSeq {
		return ms, 0, nil
	}
	seq, err = strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}

// TimeFromID returns the UTC time embedded in a stream id. Payload timestamps
// are never used for ordering; this is the only clock the logger trusts.
func TimeFromID(id string) (time.Time, error) {
	ms, _, err := ParseStreamID(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// CompareIDs orders two stream ids numerically. Unparseable ids sort first.
func CompareIDs(a, b string) int {
	aMs, aSeq, aErr := ParseStreamID(a)
	bMs, bSeq, bErr := ParseStreamID(b)
	switch {
	case aErr != nil && bErr != nil:
		return strings.Compare(a, b)
	case aErr != nil:
		return -1
	case bErr != nil:
		return 1
	}
	switch {
	case aMs < bMs:
		return -1
	case aMs > bMs:
		return 1
	case aSeq < bSeq:
		return -1
	case aSeq > bSeq:
		return 1
	default:
		return 0
	}
}
