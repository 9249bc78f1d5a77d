package metadata

import (
	"maps"
	"slices"
	"strings"
)

// Reserved header names used to carry record fields that the underlying
// transport has no native slot for. User headers never start with Prefix.
const (
	Prefix          = "streamflow_"
	HeaderKey       = Prefix + "key"
	HeaderPartition = Prefix + "partition"
	HeaderOffset    = Prefix + "offset"
	HeaderTimestamp = Prefix + "timestamp"
	HeaderKeyCodec  = Prefix + "key_serializer"
	HeaderValCodec  = Prefix + "value_serializer"
)

// Metadata holds the headers of a record.
type Metadata map[string]string

// Clone returns a copy that never aliases m. The result is non-nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	maps.Copy(out, m)
	out[key] = value
	return out
}

// Merge returns a copy of m overlaid with entries. Entries win on conflict.
func (m Metadata) Merge(entries Metadata) Metadata {
	out := make(Metadata, len(m)+len(entries))
	maps.Copy(out, m)
	maps.Copy(out, entries)
	return out
}

// Get returns the header value and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// User returns only the headers that are not reserved.
func (m Metadata) User() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// IsReserved reports whether key is a header owned by the runtime.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, Prefix)
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
