package pricing

// Rate holds the per-token USD cost of a model.
type Rate struct {
	Input  float64
	Output float64
}

// Table maps model identifiers to their rates and carries the model
// allow-list. Rates are deployment-time constants, never mutated after
// construction.
type Table struct {
	rates   map[string]Rate
	allowed map[string]bool
}

// defaultRates matches the deployed rate card.
var defaultRates = map[string]Rate{
	"anthropic.claude-3-haiku-20240307-v1:0":    {Input: 0.00000025, Output: 0.00000125},
	"anthropic.claude-sonnet-4-20250514-v1:0":   {Input: 0.000003, Output: 0.000015},
	"anthropic.claude-3-5-sonnet-20240620-v1:0": {Input: 0.000003, Output: 0.000015},
}

// New builds a Table. A nil rates map selects the default rate card.
// An empty allow-list admits every priced model.
func New(rates map[string]Rate, allowed []string) *Table {
	if rates == nil {
		rates = defaultRates
	}
	t := &Table{
		rates:   rates,
		allowed: make(map[string]bool, len(allowed)),
	}
	if len(allowed) == 0 {
		for id := range rates {
			t.allowed[id] = true
		}
	} else {
		for _, id := range allowed {
			t.allowed[id] = true
		}
	}
	return t
}

// FromConfig converts the config-level [input, output] pairs into a Table.
func FromConfig(rates map[string][2]float64, allowed []string) *Table {
	if rates == nil {
		return New(nil, allowed)
	}
	m := make(map[string]Rate, len(rates))
	for id, r := range rates {
		m[id] = Rate{Input: r[0], Output: r[1]}
	}
	return New(m, allowed)
}

// Cost returns the USD cost of a completed call. Unknown model identifiers
// cost zero; this never errors so the accounting path cannot stall on a
// rate-card gap.
func (t *Table) Cost(modelID string, inputTokens, outputTokens int) float64 {
	r, ok := t.rates[modelID]
	if !ok {
		return 0
	}
	return r.Input*float64(inputTokens) + r.Output*float64(outputTokens)
}

// Allowed reports whether a model identifier is admitted. Plain set
// membership; a model priced but not allow-listed is rejected.
func (t *Table) Allowed(modelID string) bool {
	return t.allowed[modelID]
}

// Models returns the allow-listed model identifiers.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.allowed))
	for id := range t.allowed {
		out = append(out, id)
	}
	return out
}
