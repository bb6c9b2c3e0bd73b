package amount

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
	_, err = Parse("12abc")
	require.Error(t, err)

	v, err := Parse(" 0.025 ")
	require.NoError(t, err)
	require.True(t, v.Equal(WithPrec(25, 3)))
}

func TestNormAndIsPositive(t *testing.T) {
	var unset Amount
	require.True(t, Norm(unset).IsZero())
	require.False(t, IsPositive(unset))
	require.True(t, IsPositive(FromInt(1)))
}

func TestFloorFloatTruncates(t *testing.T) {
	require.True(t, FloorFloat(-3).IsZero())
	require.True(t, FloorFloat(1.5).Equal(MustParse("1.5")))
	got := FloorFloat(0.1)
	require.True(t, got.LTE(MustParse("0.100000000000000006")))
	require.True(t, got.GTE(MustParse("0.099999999999999999")))
}

func TestCompoundGrowthOneYear(t *testing.T) {
	growth, err := CompoundGrowth(WithPrec(8, 2), 365)
	require.NoError(t, err)
	diff := growth.Sub(MustParse("1.08")).Abs()
	require.True(t, diff.LT(MustParse("0.000000001")), "growth=%s", growth)

	flat, err := CompoundGrowth(Zero(), 100)
	require.NoError(t, err)
	require.True(t, flat.Equal(One()))
}

func TestClamp(t *testing.T) {
	require.True(t, Clamp(FromInt(5), Zero(), One()).Equal(One()))
	require.True(t, Clamp(FromInt(-5), Zero(), One()).IsZero())
}

func TestFromFloatKeepsShortestForm(t *testing.T) {
	v, err := FromFloat(0.85)
	require.NoError(t, err)
	require.Equal(t, "0.850000000000000000", v.String())

	v, err = FromFloat(-0.25)
	require.NoError(t, err)
	require.True(t, v.Equal(MustParse("-0.25")))

	_, err = FromFloat(math.NaN())
	require.Error(t, err)
}
