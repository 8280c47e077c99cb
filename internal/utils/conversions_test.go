package utils_test

import (
	"context"
	"testing"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b c", utils.OneLine("a\rb\nc"))
	require.Equal(t, "plain", utils.OneLine("plain"))
}

func TestTruncateCountsRunes(t *testing.T) {
	require.Equal(t, "zaż", utils.Truncate("zażółć", 3))
	require.Equal(t, "abc", utils.Truncate("abc", 10))
	require.Empty(t, utils.Truncate("abc", 0))
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "b", utils.FirstNonEmpty("", "  ", "b", "c"))
	require.Empty(t, utils.FirstNonEmpty())
}

func TestCycleID(t *testing.T) {
	require.Empty(t, utils.CycleID(context.Background()))
	ctx := utils.WithCycleID(context.Background(), "abc")
	require.Equal(t, "abc", utils.CycleID(ctx))
}

func TestPointerHelpers(t *testing.T) {
	require.Equal(t, 0, utils.Value[int](nil))
	require.Equal(t, 5, utils.Value(utils.Ptr(5)))
}
