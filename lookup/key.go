package lookup

import (
	"fmt"
	"strconv"
	"strings"
)

func cacheKey(orgID int32, name string) string {
	return fmt.Sprintf("%d|%s", orgID, name)
}

func splitCacheKey(key string) (int32, string) {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return 0, key
	}
	orgID, _ := strconv.ParseInt(key[:idx], 10, 32)
	return int32(orgID), key[idx+1:]
}
