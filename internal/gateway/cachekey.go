package gateway

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"marketgate/models"
)

// CacheKey derives a deterministic key for a request. Fields and filters
// are sorted before hashing so insertion order never changes the key.
func CacheKey(req *models.DataRequest) string {
	var b strings.Builder
	b.WriteString(string(req.DataType))
	b.WriteByte('|')
	b.WriteString(req.Symbol)
	b.WriteByte('|')
	b.WriteString(req.Frequency)
	b.WriteByte('|')
	if req.StartTime != nil {
		b.WriteString(strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	b.WriteByte('|')
	if req.EndTime != nil {
		b.WriteString(strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(req.Limit))

	if len(req.Fields) > 0 {
		fields := append([]string(nil), req.Fields...)
		sort.Strings(fields)
		b.WriteByte('|')
		b.WriteString(strings.Join(fields, ","))
	}
	if len(req.Filters) > 0 {
		keys := make([]string, 0, len(req.Filters))
		for k := range req.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(req.Filters[k])
		}
	}

	sum := xxhash.Sum64String(b.String())
	return fmt.Sprintf("%s:%s:%016x", req.DataType, req.Symbol, sum)
}
