package drv

import (
	"errors"
	"testing"
)

const validDigest = "0c4kv6386hc9pfl3cfgab6cha2hnxg5n"

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantDigest string
		wantName   string
		wantErr    bool
	}{
		{
			name:       "bare digest",
			input:      validDigest,
			wantDigest: validDigest,
		},
		{
			name:       "digest with name",
			input:      validDigest + "-nixos-system-gray-24.05",
			wantDigest: validDigest,
			wantName:   "nixos-system-gray-24.05",
		},
		{
			name:       "full store path",
			input:      "/nix/store/" + validDigest + "-nixos-system-gray-24.05",
			wantDigest: validDigest,
			wantName:   "nixos-system-gray-24.05",
		},
		{
			name:       "surrounding whitespace",
			input:      "  " + validDigest + "  ",
			wantDigest: validDigest,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "digest too short",
			input:   "abc123",
			wantErr: true,
		},
		{
			name:    "excluded alphabet character",
			input:   "e" + validDigest[1:],
			wantErr: true,
		},
		{
			name:    "uppercase rejected",
			input:   "A" + validDigest[1:],
			wantErr: true,
		},
		{
			name:    "trailing dash",
			input:   validDigest + "-",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Parse(%q) error = %v, want ErrMalformed", tt.input, err)
				}
				return
			}
			if got.Digest != tt.wantDigest {
				t.Errorf("digest = %q, want %q", got.Digest, tt.wantDigest)
			}
			if got.Name != tt.wantName {
				t.Errorf("name = %q, want %q", got.Name, tt.wantName)
			}
		})
	}
}

func TestEqualIgnoresName(t *testing.T) {
	a, err := Parse(validDigest + "-system-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(validDigest + "-system-b")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("hashes with identical digests should be equal")
	}
}

func TestStorePathRoundTrip(t *testing.T) {
	h, err := Parse(validDigest + "-tools")
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(h.StorePath())
	if err != nil {
		t.Fatalf("reparse store path: %v", err)
	}
	if again != h {
		t.Errorf("round trip mismatch: %+v vs %+v", again, h)
	}
}
