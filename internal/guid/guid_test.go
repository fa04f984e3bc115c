package guid

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFormat_Canonical(t *testing.T) {
	id := MustParse("{11111111-1111-1111-1111-111111111111}")
	require.Equal(t, "{11111111-1111-1111-1111-111111111111}", Format(id))
	require.Len(t, id.String(), TextLen)
}

func TestFormat_Uppercase(t *testing.T) {
	id, err := Normalize("6fa459ea-ee8a-3ca4-894e-db77e160355e")
	require.NoError(t, err)
	require.Equal(t, "{6FA459EA-EE8A-3CA4-894E-DB77E160355E}", Format(id))
}

func TestParse_RejectsNonCanonical(t *testing.T) {
	bad := []string{
		"",
		"11111111-1111-1111-1111-111111111111",
		"{11111111-1111-1111-1111-11111111111}",
		"{11111111-1111-1111-1111-1111111111111}",
		"{6fa459ea-ee8a-3ca4-894e-db77e160355e}",
		"{11111111_1111-1111-1111-111111111111}",
		"(11111111-1111-1111-1111-111111111111)",
		"{1111111G-1111-1111-1111-111111111111}",
		"urn:uuid:11111111-1111-1111-1111-111111111111",
	}
	for _, s := range bad {
		_, err := Parse(s)
		require.Error(t, err, s)
		require.True(t, errors.Is(err, ErrMalformedIdentity), s)
	}
}

func TestNormalize_AcceptsLooseForms(t *testing.T) {
	want := MustParse("{6FA459EA-EE8A-3CA4-894E-DB77E160355E}")
	for _, s := range []string{
		"6fa459ea-ee8a-3ca4-894e-db77e160355e",
		"{6fa459ea-ee8a-3ca4-894e-db77e160355e}",
		"urn:uuid:6fa459ea-ee8a-3ca4-894e-db77e160355e",
		" 6FA459EAEE8A3CA4894EDB77E160355E ",
	} {
		got, err := Normalize(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}

	_, err := Normalize("not-a-guid")
	require.ErrorIs(t, err, ErrMalformedIdentity)
}

func TestMustParse_Panics(t *testing.T) {
	require.Panics(t, func() { MustParse("nope") })
}

func TestIdentity_Nil(t *testing.T) {
	require.True(t, Nil.IsNil())
	require.False(t, New().IsNil())
	require.Equal(t, "{00000000-0000-0000-0000-000000000000}", Nil.String())
}

func TestIdentity_JSON(t *testing.T) {
	type payload struct {
		ID Identity `json:"id"`
	}
	in := payload{ID: MustParse("{0AB1C2D3-E4F5-0617-2839-4A5B6C7D8E9F}")}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"{0AB1C2D3-E4F5-0617-2839-4A5B6C7D8E9F}"}`, string(data))

	var out payload
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	require.Error(t, json.Unmarshal([]byte(`{"id":"0ab1c2d3"}`), &out))
}

func TestProperty_ParseFormatRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var id Identity
		copy(id[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "bytes"))

		parsed, err := Parse(Format(id))
		if err != nil {
			t.Fatalf("parse of formatted identity failed: %v", err)
		}
		if parsed != id {
			t.Fatalf("round trip mismatch: %v != %v", parsed, id)
		}
	})
}

func TestProperty_FormatParseRoundTrip(t *testing.T) {
	hexDigit := rapid.SampledFrom(strings.Split("0123456789ABCDEF", ""))
	group := func(n int) *rapid.Generator[string] {
		return rapid.Custom(func(t *rapid.T) string {
			return strings.Join(rapid.SliceOfN(hexDigit, n, n).Draw(t, "digits"), "")
		})
	}

	rapid.Check(t, func(t *rapid.T) {
		s := "{" + group(8).Draw(t, "g1") + "-" + group(4).Draw(t, "g2") + "-" +
			group(4).Draw(t, "g3") + "-" + group(4).Draw(t, "g4") + "-" +
			group(12).Draw(t, "g5") + "}"

		id, err := Parse(s)
		if err != nil {
			t.Fatalf("canonical string rejected: %q: %v", s, err)
		}
		if got := Format(id); got != s {
			t.Fatalf("Format(Parse(%q)) = %q", s, got)
		}
	})
}
