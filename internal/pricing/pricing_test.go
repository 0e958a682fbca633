package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditsFromUSD(t *testing.T) {
	tests := []struct {
		usd  float64
		want int
	}{
		{1.0, 1000},
		{0.1, 100},
		{0.027, 27},
		{0.24, 240},
		{0.14, 140},
		{0.0005, 1},
		{0.0004, 0},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CreditsFromUSD(tt.usd), "usd=%v", tt.usd)
	}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		params  Params
		want    int
		wantErr error
	}{
		{
			name:   "seedream standard quality",
			model:  "seedream-v4",
			params: Params{Size: "1024*1024", Quality: "standard"},
			want:   27,
		},
		{
			name:   "seedream defaults to standard",
			model:  "seedream-v4",
			params: Params{Size: "1024*1024"},
			want:   27,
		},
		{
			name:   "seedream hd quality",
			model:  "seedream-v4",
			params: Params{Quality: "hd"},
			want:   45,
		},
		{
			name:   "nano banana 4K",
			model:  "nano-banana-pro",
			params: Params{Resolution: "4K"},
			want:   240,
		},
		{
			name:   "nano banana FHD",
			model:  "nano-banana-pro",
			params: Params{Resolution: "FHD"},
			want:   140,
		},
		{
			name:    "nano banana unknown resolution",
			model:   "nano-banana-pro",
			params:  Params{Resolution: "8K"},
			wantErr: ErrUnsupportedParams,
		},
		{
			name:    "seedream unknown quality",
			model:   "seedream-v4",
			params:  Params{Quality: "ultra"},
			wantErr: ErrUnsupportedParams,
		},
		{
			name:    "flat priced model has no table",
			model:   "flux-2",
			wantErr: ErrNoTable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Price(tt.model, tt.params)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"auto", "auto", false},
		{"", "auto", false},
		{"AUTO", "auto", false},
		{"1024*1024", "1024*1024", false},
		{"1024x1024", "1024*1024", false},
		{"2048x1536", "2048*1536", false},
		{"4096*4096", "4096*4096", false},
		{"100x100", "", true},
		{"511*1024", "", true},
		{"1024*511", "", true},
		{"5000x5000", "", true},
		{"1024", "", true},
		{"axb", "", true},
		{"1024*1024*1024", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedParams)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
