package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * sizeMB, "5.0 MB"},
		{3 * sizeGB, "3.0 GB"},
	}

	for _, c := range cases {
		require.Equal(t, c.want, formatSize(c.bytes))
	}
}

func TestFormatTimeSameYearOmitsYear(t *testing.T) {
	now := time.Now()
	formatted := formatTime(now)
	require.NotContains(t, formatted, now.Format("2006"))
}
