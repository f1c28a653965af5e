// Package resolver derives the starting frequency and amount of a checkout from
// query parameters and page configuration.
//
// Resolution never fails: malformed configuration degrades to the next rule and
// ultimately to a one-time contribution with no amount.
package resolver

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"contribution-checkout/fees"
	"contribution-checkout/models"
)

var frequencyTokens = map[string]models.Frequency{
	"once":     models.FrequencyOneTime,
	"one_time": models.FrequencyOneTime,
	"one-time": models.FrequencyOneTime,
	"onetime":  models.FrequencyOneTime,
	"monthly":  models.FrequencyMonth,
	"month":    models.FrequencyMonth,
	"yearly":   models.FrequencyYear,
	"year":     models.FrequencyYear,
	"annual":   models.FrequencyYear,
	"annually": models.FrequencyYear,
}

// ParseFrequency maps a query token to a frequency
func ParseFrequency(token string) (models.Frequency, bool) {
	f, ok := frequencyTokens[strings.ToLower(strings.TrimSpace(token))]
	return f, ok
}

// Amount is a resolved amount; Present is false when nothing could be determined
type Amount struct {
	Value   float64
	Present bool
}

// State is the resolved starting point of a checkout
type State struct {
	Frequency        models.Frequency
	Amount           Amount
	IsCustomOverride bool
}

// Resolve runs frequency and then amount resolution.
func Resolve(page *models.PageConfig, freqParam, amountParam string) State {
	freq := ResolveFrequency(page, freqParam, amountParam)
	amount, custom := ResolveAmount(freq, page, amountParam)
	return State{Frequency: freq, Amount: amount, IsCustomOverride: custom}
}

// ResolveFrequency picks the starting frequency.
func ResolveFrequency(page *models.PageConfig, freqParam, amountParam string) models.Frequency {
	if f, ok := ParseFrequency(freqParam); ok {
		return f
	}
	if strings.TrimSpace(amountParam) != "" {
		return models.FrequencyOneTime
	}

	options := frequencyOptions(page)
	for _, opt := range options {
		if opt.IsDefault && opt.Value.Valid() {
			return opt.Value
		}
	}

	var offered []models.Frequency
	for _, opt := range options {
		if opt.Value.Valid() {
			offered = append(offered, opt.Value)
		}
	}
	if len(offered) > 0 {
		sort.SliceStable(offered, func(i, j int) bool { return offered[i].Rank() < offered[j].Rank() })
		return offered[0]
	}
	return models.FrequencyOneTime
}

// ResolveAmount picks the starting amount for freq. The second result reports
// whether the amount came from the query string and is not one of the page presets.
func ResolveAmount(freq models.Frequency, page *models.PageConfig, amountParam string) (Amount, bool) {
	content := amountContent(page)
	presets := content.Options[freq]

	if v, ok := ParseAmount(amountParam); ok {
		return Amount{Value: v, Present: true}, !contains(presets, v)
	}

	if def, ok := content.Defaults[freq]; ok && contains(presets, def) {
		return Amount{Value: def, Present: true}, false
	}

	for _, p := range presets {
		if validAmount(p) {
			return Amount{Value: p, Present: true}, false
		}
	}
	return Amount{}, false
}

// ParseAmount parses an amount query parameter and rounds it to cents.
// Non-numeric, non-finite and non-positive values are rejected, including
// values that round down to zero.
func ParseAmount(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !validAmount(v) {
		return 0, false
	}
	v = fees.Round(v)
	if !validAmount(v) {
		return 0, false
	}
	return v, true
}

// Presets returns the page's preset amounts for freq.
func Presets(page *models.PageConfig, freq models.Frequency) []float64 {
	return amountContent(page).Options[freq]
}

// AllowsOther reports whether the page accepts free-entry amounts.
func AllowsOther(page *models.PageConfig) bool {
	return amountContent(page).AllowOther
}

func frequencyOptions(page *models.PageConfig) []models.FrequencyOption {
	el, ok := page.Element(models.ElementFrequency)
	if !ok || len(el.Content) == 0 {
		return nil
	}
	var options []models.FrequencyOption
	if err := json.Unmarshal(el.Content, &options); err != nil {
		return nil
	}
	return options
}

func amountContent(page *models.PageConfig) models.AmountContent {
	el, ok := page.Element(models.ElementAmount)
	if !ok || len(el.Content) == 0 {
		return models.AmountContent{}
	}
	var content models.AmountContent
	if err := json.Unmarshal(el.Content, &content); err != nil {
		return models.AmountContent{}
	}
	return content
}

func contains(presets []float64, v float64) bool {
	for _, p := range presets {
		if math.Abs(p-v) < 1e-9 {
			return true
		}
	}
	return false
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
