package geo

import "testing"

func TestExtractState(t *testing.T) {
	cases := []struct {
		stop string
		want string
	}{
		{"SALT LAKE CITY, UT 84199", "UT"},
		{"CHICAGO, IL", "IL"},
		{"chicago, il", "IL"},
		{"CHICAGO IL", "IL"},
		{"DETROIT, MI 48201", "MI"},
		{"MEMPHIS TN 38101-1234", "TN"},
		{"NASHVILLE", ""},
		{"", ""},
		{"   ", ""},
		// ZZ is not a state.
		{"SOMEWHERE, ZZ", ""},
		// Two-letter city ending must not read as a state without context:
		// "PLANO TX" parses, bare "TX" tail does too.
		{"TX", "TX"},
	}
	for _, tc := range cases {
		if got := ExtractState(tc.stop); got != tc.want {
			t.Errorf("ExtractState(%q) = %q, want %q", tc.stop, got, tc.want)
		}
	}
}

func TestParseCityState(t *testing.T) {
	cases := []struct {
		stop     string
		wantCity string
		wantSt   string
		ok       bool
	}{
		{"SALT LAKE CITY, UT 84199", "SALT LAKE CITY", "UT", true},
		{"CHICAGO, IL", "CHICAGO", "IL", true},
		{"CHICAGO IL", "CHICAGO", "IL", true},
		{"detroit, mi 48201", "DETROIT", "MI", true},
		{"NASHVILLE", "", "", false},
		{"", "", "", false},
		// A bare state code is not a stop.
		{"TX", "", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseCityState(tc.stop)
		if ok != tc.ok {
			t.Errorf("ParseCityState(%q) ok = %v, want %v", tc.stop, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.City != tc.wantCity || got.State != tc.wantSt {
			t.Errorf("ParseCityState(%q) = %+v, want {%s %s}", tc.stop, got, tc.wantCity, tc.wantSt)
		}
	}
}

func TestCityStateComparisons(t *testing.T) {
	a, _ := ParseCityState("CHICAGO, IL 60601")
	b, _ := ParseCityState("chicago il")
	c, _ := ParseCityState("SPRINGFIELD, IL")
	d, _ := ParseCityState("DETROIT, MI")

	if !a.Equal(b) {
		t.Errorf("%+v and %+v should be equal after normalization", a, b)
	}
	if a.Equal(c) {
		t.Errorf("%+v and %+v differ by city", a, c)
	}
	if !a.SameState(c) {
		t.Errorf("%+v and %+v share a state", a, c)
	}
	if a.SameState(d) {
		t.Errorf("%+v and %+v do not share a state", a, d)
	}
}

func TestValidState(t *testing.T) {
	if !ValidState("il") || !ValidState("WY") {
		t.Error("known states should validate case-insensitively")
	}
	if ValidState("ZZ") || ValidState("") || ValidState("ILL") {
		t.Error("unknown codes must not validate")
	}
}
