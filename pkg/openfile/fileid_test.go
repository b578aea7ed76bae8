package openfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileIdStringStable(t *testing.T) {
	t.Parallel()

	a := FileId{Device: 0x12, Inode: 0x34}
	b := FileId{Device: 0x12, Inode: 0x34}
	assert.Equal(t, a.String(), b.String())
	assert.NotEqual(t, a.String(), FileId{Device: 0x12, Inode: 0x35}.String())

	withExt := FileId{Device: 0x12, Inode: 0x34, ExtID: 1}
	assert.NotEqual(t, a.String(), withExt.String())
}

func TestFileIdBytesFixedWidth(t *testing.T) {
	t.Parallel()

	b := FileId{Device: 1, Inode: 2, ExtID: 3}.Bytes()
	assert.Len(t, b, 24)
	assert.NotEqual(t, b, FileId{Device: 1, Inode: 2}.Bytes())
}

func TestFileIdIsZero(t *testing.T) {
	t.Parallel()
	assert.True(t, FileId{}.IsZero())
	assert.False(t, FileId{Inode: 1}.IsZero())
}

func TestParsePathName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw        string
		wantBase   string
		wantStream string
	}{
		{"file.txt", "file.txt", ""},
		{"file.txt:meta", "file.txt", "meta"},
		{"file.txt:meta:$DATA", "file.txt", "meta"},
		{"file.txt:", "file.txt", ""},
	}
	for _, tc := range tests {
		got := ParsePathName(tc.raw)
		assert.Equal(t, tc.wantBase, got.Base, tc.raw)
		assert.Equal(t, tc.wantStream, got.Stream, tc.raw)
	}

	assert.True(t, ParsePathName("a:b").IsStream())
	assert.False(t, ParsePathName("a").IsStream())
	assert.Equal(t, "a:b", ParsePathName("a:b").String())
}
