// Package pricing converts a (model, parameters) pair into a credit cost.
// Prices are quoted in USD per generation and converted at 1000 credits per
// dollar; the operator markup is added by the caller on top of the result.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNoTable means the model has no parameter-dependent table; callers
	// fall back to the model's active flat price row.
	ErrNoTable = errors.New("no parameter price table for model")

	// ErrUnsupportedParams marks a parameter combination the model cannot
	// price. Nothing has been charged when it is returned.
	ErrUnsupportedParams = errors.New("unsupported parameter combination")
)

// Params are the price-relevant generation parameters.
type Params struct {
	Size        string
	AspectRatio string
	Resolution  string
	Quality     string
	Style       string
}

// CreditsFromUSD converts a USD amount to credits, rounding half up.
// 1000 credits = $1.
func CreditsFromUSD(usd float64) int {
	return int(math.Floor(usd*1000 + 0.5))
}

// Per-model USD tables. A model absent here prices off its active
// model_prices row instead.
var resolutionTables = map[string]map[string]float64{
	"nano-banana-pro": {
		"1K":  0.14,
		"FHD": 0.14,
		"2K":  0.18,
		"4K":  0.24,
	},
}

var qualityTables = map[string]map[string]float64{
	"seedream-v4": {
		"standard": 0.027,
		"hd":       0.045,
	},
}

// Price returns the credit cost (before markup) for a model with a parameter
// table. ErrNoTable signals the flat-price fallback.
func Price(modelKey string, p Params) (int, error) {
	if table, ok := resolutionTables[modelKey]; ok {
		resolution := p.Resolution
		if resolution == "" {
			resolution = "1K"
		}
		usd, ok := table[resolution]
		if !ok {
			return 0, fmt.Errorf("%w: model %s resolution %q", ErrUnsupportedParams, modelKey, resolution)
		}
		return CreditsFromUSD(usd), nil
	}

	if table, ok := qualityTables[modelKey]; ok {
		quality := p.Quality
		if quality == "" {
			quality = "standard"
		}
		usd, ok := table[quality]
		if !ok {
			return 0, fmt.Errorf("%w: model %s quality %q", ErrUnsupportedParams, modelKey, quality)
		}
		return CreditsFromUSD(usd), nil
	}

	return 0, ErrNoTable
}

const (
	minDimension = 512
	maxDimension = 4096
)

// NormalizeSize validates a size string and canonicalises it to "W*H".
// Accepted forms: "auto", "W*H", "WxH". Dimensions must fit the provider
// canvas limits.
func NormalizeSize(size string) (string, error) {
	size = strings.TrimSpace(size)
	if size == "" || strings.EqualFold(size, "auto") {
		return "auto", nil
	}

	sep := "*"
	if !strings.Contains(size, sep) {
		sep = "x"
	}
	parts := strings.SplitN(size, sep, 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: size %q", ErrUnsupportedParams, size)
	}

	width, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return "", fmt.Errorf("%w: size %q", ErrUnsupportedParams, size)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", fmt.Errorf("%w: size %q", ErrUnsupportedParams, size)
	}

	if width < minDimension || height < minDimension {
		return "", fmt.Errorf("%w: size %q below minimum dimension %d", ErrUnsupportedParams, size, minDimension)
	}
	if width > maxDimension || height > maxDimension {
		return "", fmt.Errorf("%w: size %q above maximum dimension %d", ErrUnsupportedParams, size, maxDimension)
	}

	return fmt.Sprintf("%d*%d", width, height), nil
}
