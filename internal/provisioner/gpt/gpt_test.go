package gpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreeSpanSizeBytes(t *testing.T) {
	span := FreeSpan{FirstLBA: 2048, LastLBA: 4095, SectorSize: 512}
	assert.Equal(t, uint64(2048*512), span.SizeBytes())

	inverted := FreeSpan{FirstLBA: 4096, LastLBA: 2048, SectorSize: 512}
	assert.Zero(t, inverted.SizeBytes())
}
