package envconfig

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStringFallsBackToDefaultWhenUnset(t *testing.T) {
	assert.Equal(t, "def", String("SESSIONPIPE_TEST_STRING_UNSET", "def"))
}

func TestIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("SESSIONPIPE_TEST_INT", "42")
	assert.Equal(t, 42, Int("SESSIONPIPE_TEST_INT", 7))
	assert.Equal(t, 7, Int("SESSIONPIPE_TEST_INT_UNSET", 7))

	t.Setenv("SESSIONPIPE_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, Int("SESSIONPIPE_TEST_INT_BAD", 7))
}

func TestSecondsAndMinutesConvert(t *testing.T) {
	t.Setenv("SESSIONPIPE_TEST_SECS", "30")
	assert.Equal(t, 30*time.Second, Seconds("SESSIONPIPE_TEST_SECS", time.Second))

	t.Setenv("SESSIONPIPE_TEST_MINS", "5")
	assert.Equal(t, 5*time.Minute, Minutes("SESSIONPIPE_TEST_MINS", time.Minute))

	assert.Equal(t, 2*time.Second, Seconds("SESSIONPIPE_TEST_SECS_UNSET", 2*time.Second))
}

func TestBoolRecognizesTruthyStrings(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		t.Setenv("SESSIONPIPE_TEST_BOOL", v)
		assert.True(t, Bool("SESSIONPIPE_TEST_BOOL", false), v)
	}
	t.Setenv("SESSIONPIPE_TEST_BOOL", "0")
	assert.False(t, Bool("SESSIONPIPE_TEST_BOOL", true))
	assert.True(t, Bool("SESSIONPIPE_TEST_BOOL_UNSET", true))
}

func TestRegexpFallsBackOnInvalidPattern(t *testing.T) {
	def := regexp.MustCompile(`^def$`)
	t.Setenv("SESSIONPIPE_TEST_RE", "(unclosed")
	assert.Equal(t, def, Regexp("SESSIONPIPE_TEST_RE", def))

	t.Setenv("SESSIONPIPE_TEST_RE_OK", "^ok$")
	got := Regexp("SESSIONPIPE_TEST_RE_OK", def)
	assert.True(t, got.MatchString("ok"))
}
