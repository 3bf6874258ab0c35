package utils

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

func ParseInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid int64 value %q", s)
	}
	return n, nil
}

func ParseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid uint16 value %q", s)
	}
	return uint16(n), nil
}
