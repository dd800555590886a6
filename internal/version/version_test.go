package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.10.0", "1.9.0", 1},
		{"1.9.0", "1.10.0", -1},
		{"2.0", "2.0.0", 0},
		{"10", "2", 1},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.3-beta", "1.2.3-alpha", 1},
		{"1.2", "1.2.1", -1},
		{"01.2", "1.2", 0},
		{"", "0", 0},
		{"99999999999999999999999", "1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, sign(Compare(tt.a, tt.b)))
		})
	}
}

func TestCompareIsReflexiveAndAntisymmetric(t *testing.T) {
	samples := []string{"1.0", "1.0.0", "1.10", "1.9", "2.0-rc1", "2.0-rc2", "2.0", "3", "v3.1", "0.0.1", "1.2.3_4", "abc"}
	for _, a := range samples {
		assert.Zero(t, Compare(a, a), a)
		for _, b := range samples {
			assert.Equal(t, sign(Compare(a, b)), -sign(Compare(b, a)), "%s vs %s", a, b)
		}
	}
}

func TestNewer(t *testing.T) {
	assert.True(t, Newer("1.2.0", "1.1.9"))
	assert.False(t, Newer("1.2.0", "1.2"))
	assert.False(t, Newer("1.0", "1.1"))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
