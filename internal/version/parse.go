package version

import (
	"fmt"
	"strconv"
)

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version: bad counter value %q: %w", s, err)
	}
	return n, nil
}
