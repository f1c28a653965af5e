package resolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-checkout/models"
)

func page(t *testing.T, freq interface{}, amount interface{}) *models.PageConfig {
	t.Helper()
	p := &models.PageConfig{ID: 7, Slug: "spring"}
	if freq != nil {
		raw, err := json.Marshal(freq)
		require.NoError(t, err)
		p.Elements = append(p.Elements, models.PageElement{Type: models.ElementFrequency, Content: raw})
	}
	if amount != nil {
		raw, err := json.Marshal(amount)
		require.NoError(t, err)
		p.Elements = append(p.Elements, models.PageElement{Type: models.ElementAmount, Content: raw})
	}
	return p
}

func allFrequencies() []models.FrequencyOption {
	return []models.FrequencyOption{
		{Value: models.FrequencyOneTime},
		{Value: models.FrequencyMonth, IsDefault: true},
		{Value: models.FrequencyYear},
	}
}

func TestResolveFrequencyPrecedence(t *testing.T) {
	p := page(t, allFrequencies(), nil)

	t.Run("query token wins", func(t *testing.T) {
		assert.Equal(t, models.FrequencyYear, ResolveFrequency(p, "Yearly", "10"))
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(p, "once", ""))
	})

	t.Run("amount without token means one time", func(t *testing.T) {
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(p, "", "15"))
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(p, "weekly", "15"))
	})

	t.Run("page default", func(t *testing.T) {
		assert.Equal(t, models.FrequencyMonth, ResolveFrequency(p, "", ""))
		assert.Equal(t, models.FrequencyMonth, ResolveFrequency(p, "fortnightly", ""))
	})

	t.Run("first option in canonical order", func(t *testing.T) {
		unordered := page(t, []models.FrequencyOption{
			{Value: models.FrequencyYear},
			{Value: models.FrequencyMonth},
		}, nil)
		assert.Equal(t, models.FrequencyMonth, ResolveFrequency(unordered, "", ""))
	})

	t.Run("no configuration", func(t *testing.T) {
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(nil, "", ""))
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(&models.PageConfig{}, "", ""))
	})

	t.Run("malformed configuration", func(t *testing.T) {
		broken := &models.PageConfig{Elements: []models.PageElement{
			{Type: models.ElementFrequency, Content: json.RawMessage(`{"not":"a list"}`)},
		}}
		assert.Equal(t, models.FrequencyOneTime, ResolveFrequency(broken, "", ""))
	})
}

func TestResolveAmountQueryOverride(t *testing.T) {
	p := page(t, allFrequencies(), models.AmountContent{
		Options:  map[models.Frequency][]float64{models.FrequencyMonth: {5, 25, 50}},
		Defaults: map[models.Frequency]float64{models.FrequencyMonth: 25},
	})

	state := Resolve(p, "monthly", "10")
	assert.Equal(t, models.FrequencyMonth, state.Frequency)
	assert.Equal(t, Amount{Value: 10, Present: true}, state.Amount)
	assert.True(t, state.IsCustomOverride)

	state = Resolve(p, "monthly", "50")
	assert.Equal(t, 50.0, state.Amount.Value)
	assert.False(t, state.IsCustomOverride)
}

func TestResolveAmountFallbackChain(t *testing.T) {
	p := page(t, nil, models.AmountContent{
		Options: map[models.Frequency][]float64{models.FrequencyOneTime: {5, 10, 20}},
	})

	state := Resolve(p, "", "")
	assert.Equal(t, models.FrequencyOneTime, state.Frequency)
	assert.Equal(t, Amount{Value: 5, Present: true}, state.Amount)
	assert.False(t, state.IsCustomOverride)
}

func TestResolveAmountRejectsDefaultOutsidePresets(t *testing.T) {
	p := page(t, nil, models.AmountContent{
		Options:  map[models.Frequency][]float64{models.FrequencyMonth: {10, 25, 50}},
		Defaults: map[models.Frequency]float64{models.FrequencyMonth: 30},
	})
	amount, custom := ResolveAmount(models.FrequencyMonth, p, "")
	assert.Equal(t, 10.0, amount.Value)
	assert.False(t, custom)

	p = page(t, nil, models.AmountContent{
		Options:  map[models.Frequency][]float64{models.FrequencyMonth: {10, 25, 50}},
		Defaults: map[models.Frequency]float64{models.FrequencyMonth: 25},
	})
	amount, _ = ResolveAmount(models.FrequencyMonth, p, "")
	assert.Equal(t, 25.0, amount.Value)
}

func TestResolveAmountAbsent(t *testing.T) {
	amount, custom := ResolveAmount(models.FrequencyYear, nil, "")
	assert.False(t, amount.Present)
	assert.False(t, custom)

	p := page(t, nil, models.AmountContent{
		Options: map[models.Frequency][]float64{models.FrequencyOneTime: {5}},
	})
	amount, _ = ResolveAmount(models.FrequencyYear, p, "")
	assert.False(t, amount.Present)
}

func TestResolveAmountIgnoresBadQueryValues(t *testing.T) {
	p := page(t, nil, models.AmountContent{
		Options: map[models.Frequency][]float64{models.FrequencyOneTime: {5, 10}},
	})
	for _, raw := range []string{"abc", "-3", "0", "NaN", "Inf"} {
		amount, custom := ResolveAmount(models.FrequencyOneTime, p, raw)
		assert.Equal(t, 5.0, amount.Value, raw)
		assert.False(t, custom, raw)
	}
}

func TestMonthlyQueryWithoutAmount(t *testing.T) {
	p := page(t, allFrequencies(), models.AmountContent{
		Options: map[models.Frequency][]float64{models.FrequencyMonth: {10, 25, 50}},
	})
	state := Resolve(p, "monthly", "")
	assert.Equal(t, models.FrequencyMonth, state.Frequency)
	assert.Equal(t, 10.0, state.Amount.Value)
	assert.False(t, state.IsCustomOverride)
}

func TestParseAmountRoundsToCents(t *testing.T) {
	v, ok := ParseAmount("12.345")
	require.True(t, ok)
	assert.Equal(t, 12.35, v)

	v, ok = ParseAmount(" 25.5 ")
	require.True(t, ok)
	assert.Equal(t, 25.5, v)

	_, ok = ParseAmount("0.001")
	assert.False(t, ok)

	p := page(t, allFrequencies(), models.AmountContent{
		Options: map[models.Frequency][]float64{models.FrequencyOneTime: {10, 25}},
	})
	state := Resolve(p, "", "24.999")
	assert.Equal(t, models.FrequencyOneTime, state.Frequency)
	assert.Equal(t, Amount{Value: 25, Present: true}, state.Amount)
	assert.False(t, state.IsCustomOverride)
}
