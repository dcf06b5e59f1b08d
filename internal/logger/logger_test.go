package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, levelDebug, parseLevel("debug"))
	assert.Equal(t, levelDebug, parseLevel("trace"))
	assert.Equal(t, levelInfo, parseLevel("info"))
	assert.Equal(t, levelInfo, parseLevel(""))
}

func TestSetPrefixTag(t *testing.T) {
	SetPrefix("api")
	assert.Equal(t, "[api] ", tag())
	SetPrefix("")
	assert.Equal(t, "", tag())
}

func TestSetLevel(t *testing.T) {
	SetLevel("debug")
	assert.True(t, debugEnabled())
	SetLevel("info")
	assert.False(t, debugEnabled())
}
