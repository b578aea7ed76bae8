package openfile

import "strings"

// PathName is a share-relative path with an optional alternate-data-stream
// suffix. The pair (base, "") denotes the default stream.
type PathName struct {
	Base   string
	Stream string
}

// ParsePathName splits "file.txt:streamname" into its base and stream
// components. A bare colon with nothing after it is treated as the
// default stream (no stream name), matching [MS-FSCC] stream-name syntax.
func ParsePathName(raw string) PathName {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		base, stream := raw[:idx], raw[idx+1:]
		// "file.txt::$DATA" — the default-data-stream type suffix is not
		// a distinct stream for arbitration purposes.
		stream = strings.TrimSuffix(stream, ":$DATA")
		return PathName{Base: base, Stream: stream}
	}
	return PathName{Base: raw}
}

// IsStream reports whether this PathName refers to a named alternate data
// stream rather than the default stream.
func (p PathName) IsStream() bool {
	return p.Stream != ""
}

// String reconstructs the wire form of the path.
func (p PathName) String() string {
	if p.Stream == "" {
		return p.Base
	}
	return p.Base + ":" + p.Stream
}
