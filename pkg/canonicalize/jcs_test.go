package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"z": 1,
		"a": map[string]any{"y": "b", "b": "y"},
		"m": []any{3, 1, 2},
	}

	got, err := JCSString(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":"y","y":"b"},"m":[3,1,2],"z":1}`, got)
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	got, err := JCSString(map[string]string{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, got)
}

func TestJCS_StructTags(t *testing.T) {
	type trade struct {
		Symbol   string `json:"symbol"`
		Quantity int64  `json:"quantity"`
		Note     string `json:"note,omitempty"`
	}

	got, err := JCSString(trade{Symbol: "AAPL", Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, `{"quantity":10,"symbol":"AAPL"}`, got)
}

func TestJCS_NumberForms(t *testing.T) {
	got, err := Transform([]byte(`{"a":1.0,"b":1e2,"c":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":100,"c":0.5}`, string(got))
}

func TestTransform_RejectsInexactNumbers(t *testing.T) {
	for _, raw := range []string{
		`{"quantity":9007199254740993}`,
		`{"n":[1,{"deep":123456789012345678901234567890}]}`,
		`{"tiny":1e-400}`,
		`{"huge":1e400}`,
	} {
		_, err := Transform([]byte(raw))
		assert.ErrorIs(t, err, ErrInexactNumber, raw)
	}

	for raw, want := range map[string]string{
		`{"quantity":9007199254740991}`: `{"quantity":9007199254740991}`,
		`{"x":0.1,"y":1.5e3}`:           `{"x":0.1,"y":1500}`,
		`{"p":101.25}`:                  `{"p":101.25}`,
	} {
		got, err := Transform([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, string(got))
	}
}

func TestJCS_RejectsInt64BeyondDoubleRange(t *testing.T) {
	_, err := JCS(map[string]int64{"quantity": 1<<53 + 1})
	assert.ErrorIs(t, err, ErrInexactNumber)
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"trade": "AAPL", "qty": 5, "side": "buy"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"side": "buy", "qty": 5, "trade": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestDecode_RoundTripStable(t *testing.T) {
	first, err := JCS(map[string]any{"price": json.Number("101.25"), "n": 3})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, Decode(first, &generic))
	assert.IsType(t, json.Number(""), generic["price"])

	second, err := JCS(generic)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestTransform_Invalid(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}
