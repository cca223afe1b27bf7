package swift

import (
	"testing"

	"github.com/janelia-flyem/tilestream/dvid"
)

func TestRangeHeader(t *testing.T) {
	tests := []struct {
		offset, length int64
		expected       string
	}{
		{0, -1, ""},
		{100, -1, "bytes=100-"},
		{0, 16, "bytes=0-15"},
		{1024, 24, "bytes=1024-1047"},
	}
	for _, tc := range tests {
		h := rangeHeader(tc.offset, tc.length)
		if got := h["Range"]; got != tc.expected {
			t.Errorf("offset %d, length %d: expected %q, got %q", tc.offset, tc.length, tc.expected, got)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	var c dvid.Config = dvid.NewConfig()
	c.SetAll(map[string]interface{}{
		"user": "janelia",
		"key":  "secret",
	})
	if _, err := NewStore(dvid.StoreConfig{Config: c, Engine: "swift"}); err == nil {
		t.Fatalf("expected error for missing auth and container settings")
	}
}
