package metadata

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies the headers of a Watermill message.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// ToWatermill copies m into a Watermill metadata map.
func ToWatermill(m Metadata) message.Metadata {
	out := make(message.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetKey stores the record key in md. A nil key removes the header so the
// receiving side can tell a nil key from an empty one.
func SetKey(md message.Metadata, key []byte) {
	if key == nil {
		delete(md, HeaderKey)
		return
	}
	md.Set(HeaderKey, base64.StdEncoding.EncodeToString(key))
}

// Key extracts the record key stored by SetKey.
func Key(md message.Metadata) ([]byte, error) {
	raw, ok := md[HeaderKey]
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(raw)
}

// SetPartition stores a partition number in md.
func SetPartition(md message.Metadata, partition int32) {
	md.Set(HeaderPartition, strconv.FormatInt(int64(partition), 10))
}

// Partition returns the partition stored in md, or -1 when absent or invalid.
func Partition(md message.Metadata) int32 {
	raw, ok := md[HeaderPartition]
	if !ok {
		return -1
	}
	p, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return -1
	}
	return int32(p)
}

// Offset returns the offset stored in md, or -1 when absent or invalid.
func Offset(md message.Metadata) int64 {
	raw, ok := md[HeaderOffset]
	if !ok {
		return -1
	}
	o, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return o
}

// SetOffset stores an offset in md.
func SetOffset(md message.Metadata, offset int64) {
	md.Set(HeaderOffset, strconv.FormatInt(offset, 10))
}

// SetTimestamp stores ts in md with millisecond precision.
func SetTimestamp(md message.Metadata, ts time.Time) {
	md.Set(HeaderTimestamp, strconv.FormatInt(ts.UnixMilli(), 10))
}

// Timestamp returns the timestamp stored in md and whether one was present.
func Timestamp(md message.Metadata) (time.Time, bool) {
	raw, ok := md[HeaderTimestamp]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
