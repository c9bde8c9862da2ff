package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleSpec(t *testing.T) {
	tests := []struct {
		raw      string
		kind     string
		interval time.Duration
	}{
		{"once", ScheduleOnce, 0},
		{"Once", ScheduleOnce, 0},
		{"every 5s", ScheduleEvery, 5 * time.Second},
		{"every 2m", ScheduleEvery, 2 * time.Minute},
		{"every 1h", ScheduleEvery, time.Hour},
		{"every 1d", ScheduleEvery, 24 * time.Hour},
		{"EVERY 10 s", ScheduleEvery, 10 * time.Second},
	}
	for _, tt := range tests {
		spec, err := ParseScheduleSpec(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.kind, spec.Kind, tt.raw)
		assert.Equal(t, tt.interval, spec.Interval, tt.raw)
	}
}

func TestParseScheduleSpecRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "every", "every 5", "every x s", "weekly", "every -1s", "every 5y"} {
		_, err := ParseScheduleSpec(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseDirective(t *testing.T) {
	spec, err := ParseDirective("// @schedule every 2s\nclick(10, 20)\n")
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, ScheduleEvery, spec.Kind)
	assert.Equal(t, 2*time.Second, spec.Interval)

	// Case-insensitive, with leading comment noise.
	spec, err = ParseDirective("// my script\n//@SCHEDULE once\nbody\n")
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, ScheduleOnce, spec.Kind)
}

func TestParseDirectiveAbsent(t *testing.T) {
	spec, err := ParseDirective("click(10, 20)\n")
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestParseDirectiveBeyondLineLimit(t *testing.T) {
	body := ""
	for i := 0; i < directiveLineLimit; i++ {
		body += "// filler\n"
	}
	body += "// @schedule every 5s\n"

	spec, err := ParseDirective(body)
	require.NoError(t, err)
	assert.Nil(t, spec, "directive past the first lines must be ignored")
}

func TestParseDirectiveMalformedIsError(t *testing.T) {
	_, err := ParseDirective("// @schedule every potato\nbody\n")
	assert.Error(t, err)
}

func TestScheduleSpecEqual(t *testing.T) {
	a := &ScheduleSpec{Kind: ScheduleEvery, Interval: time.Second}
	b := &ScheduleSpec{Kind: ScheduleEvery, Interval: time.Second, Raw: "every 1s"}
	c := &ScheduleSpec{Kind: ScheduleEvery, Interval: 2 * time.Second}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	var nilSpec *ScheduleSpec
	assert.True(t, nilSpec.Equal(nil))
}

func TestNormalizeID(t *testing.T) {
	a := NormalizeID("/tmp/Scripts/Demo.scr")
	b := NormalizeID("/tmp/scripts/demo.scr")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "\\")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "demo", DisplayName("/tmp/scripts/demo.scr"))
	assert.Equal(t, "multi.part", DisplayName("multi.part.scr"))
}
