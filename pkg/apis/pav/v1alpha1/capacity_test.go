package v1alpha1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapacity(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1", 1},
		{"1073741824", 1 << 30},
		{"1Ki", 1 << 10},
		{"1Gi", 1 << 30},
		{"1.5Gi", 3 << 29},
		{"500M", 500e6},
		{"2T", 2e12},
		{" 1Gi ", 1 << 30},
	}
	for _, c := range cases {
		got, err := ParseCapacity(c.in)
		require.NoErrorf(t, err, "input %q", c.in)
		assert.Equalf(t, c.want, got, "input %q", c.in)
	}
}

func TestParseCapacityRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "0", "-5", "1Qx", "abc", "1 Gi x"} {
		_, err := ParseCapacity(in)
		assert.Errorf(t, err, "input %q", in)
	}
}

func TestFormatCapacityRoundTrips(t *testing.T) {
	n, err := ParseCapacity(FormatCapacity(1 << 30))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), n)
}
