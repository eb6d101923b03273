package archive

import "bytes"

// bytesReader is a tiny convenience so AddBytes implementations can
// hand []byte through the same io.Reader-shaped AddRegular path.
func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
