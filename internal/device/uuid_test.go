package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "upper case MAC", input: "AA:BB:CC:DD:EE:FF", expected: "aa:bb:cc:dd:ee:ff"},
		{name: "surrounding whitespace", input: "  aa:bb:cc:dd:ee:ff\t", expected: "aa:bb:cc:dd:ee:ff"},
		{name: "CoreBluetooth identifier", input: "5F0B3E2A-9C1D-4E7B-8A6F-123456789ABC", expected: "5f0b3e2a-9c1d-4e7b-8a6f-123456789abc"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalAddress(tt.input))
		})
	}
}

func TestCanonicalUUID(t *testing.T) {
	assert.Equal(t, "182281a8-153a-11ec-82a8-0242ac130001", CanonicalUUID(" 182281A8-153A-11EC-82A8-0242AC130001 "))
	assert.Equal(t, "2a37", CanonicalUUID("2A37"))
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "182281a8", ShortenUUID("182281a8-153a-11ec-82a8-0242ac130001"))
	assert.Equal(t, "2a37", ShortenUUID("2a37"))
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []string
		wantErr string
	}{
		{name: "16-bit", input: []string{"2A37"}, want: []string{"2a37"}},
		{name: "32-bit", input: []string{"0000180d"}, want: []string{"0000180d"}},
		{name: "128-bit dashed", input: []string{"182281A8-153A-11EC-82A8-0242AC130001"}, want: []string{"182281a8-153a-11ec-82a8-0242ac130001"}},
		{name: "multiple", input: []string{"2a37", "2A38"}, want: []string{"2a37", "2a38"}},
		{name: "none", input: nil, wantErr: "at least one UUID"},
		{name: "empty", input: []string{" "}, wantErr: "cannot be empty"},
		{name: "bad length", input: []string{"2a3"}, wantErr: "invalid UUID format"},
		{name: "non hex", input: []string{"zz37"}, wantErr: "invalid UUID format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUUID(tt.input...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
