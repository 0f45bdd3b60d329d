package generation

import (
	"math"

	"github.com/book-expert/tts-gateway/internal/text"
)

// Known model identifiers.
const (
	ModelFlash        = "eleven_flash_v2_5"
	ModelTurbo        = "eleven_turbo_v2_5"
	ModelMultilingual = "eleven_multilingual_v2"
)

// DefaultCreditsPerChar is charged for models missing from the catalog.
const DefaultCreditsPerChar = 1.0

// Model describes one provider model and how it is billed.
type Model struct {
	ID               string  `json:"id"                toml:"id"`
	Name             string  `json:"name"              toml:"name"`
	CreditsPerChar   float64 `json:"credits_per_char"  toml:"credits_per_char"`
	SupportsLanguage bool    `json:"supports_language" toml:"supports_language"`
}

// DefaultModels returns the built-in catalog.
func DefaultModels() []Model {
	return []Model{
		{ID: ModelFlash, Name: "Flash v2.5", CreditsPerChar: 0.5, SupportsLanguage: true},
		{ID: ModelTurbo, Name: "Turbo v2.5", CreditsPerChar: 0.5, SupportsLanguage: true},
		{ID: ModelMultilingual, Name: "Multilingual v2", CreditsPerChar: 1.0, SupportsLanguage: false},
	}
}

// Catalog indexes models by ID.
type Catalog struct {
	models map[string]Model
	order  []string
}

// NewCatalog builds a catalog. Later entries replace earlier ones with the same ID.
func NewCatalog(models []Model) *Catalog {
	catalog := &Catalog{
		models: make(map[string]Model, len(models)),
		order:  make([]string, 0, len(models)),
	}

	for _, model := range models {
		if _, exists := catalog.models[model.ID]; !exists {
			catalog.order = append(catalog.order, model.ID)
		}

		catalog.models[model.ID] = model
	}

	return catalog
}

// Lookup returns the model with id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	model, ok := c.models[id]

	return model, ok
}

// Models returns the catalog in insertion order.
func (c *Catalog) Models() []Model {
	models := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		models = append(models, c.models[id])
	}

	return models
}

// CreditsPerChar returns the billing rate of a model.
func (c *Catalog) CreditsPerChar(id string) float64 {
	if model, ok := c.models[id]; ok {
		return model.CreditsPerChar
	}

	return DefaultCreditsPerChar
}

// SupportsLanguage reports whether a model accepts a language override.
func (c *Catalog) SupportsLanguage(id string) bool {
	model, ok := c.models[id]

	return ok && model.SupportsLanguage
}

// EstimateCredits returns ceil(characters × rate) for input under model id.
func (c *Catalog) EstimateCredits(id, input string) int64 {
	return int64(math.Ceil(float64(text.Length(input)) * c.CreditsPerChar(id)))
}
