// Package blocks is the registry of page content blocks.
//
// Prompt rendering, output parsing, generation and the bulk orchestrator all
// read block metadata from here.
package blocks

// Shape is the output format a block expects from the model.
type Shape int

const (
	// ShapeJSON blocks expect a JSON object.
	ShapeJSON Shape = iota
	// ShapeText blocks expect plain text.
	ShapeText
)

// Block type identifiers.
const (
	Hero            = "hero"
	SERPAnswer      = "serp_answer"
	ProductCriteria = "product_criteria"
	Materials       = "materials"
	Process         = "process"
	Comparison      = "comparison"
	ProductShowcase = "product_showcase"
	SizeFit         = "size_fit"
	CareWarranty    = "care_warranty"
	Ethics          = "ethics"
	FAQs            = "faqs"
	CTA             = "cta"
)

// Definition describes one block.
type Definition struct {
	ID    string
	Label string
	Order int
	Shape Shape
	// RequiredKeys must be present in the decoded JSON object.
	RequiredKeys []string
	// TextKey names the field a text block's output is stored under.
	TextKey string
	// ContextKeys are the page context values the prompt uses.
	ContextKeys []string
	// ImageField is set for blocks that carry an image.
	ImageField string
	// ImageKeywordKeys select context values used for image matching.
	ImageKeywordKeys []string
}

// HasImage reports whether the block carries an image field.
func (d Definition) HasImage() bool { return d.ImageField != "" }

var commonContext = []string{"page_title", "focus_keyword", "product_category", "target_audience", "brand_name"}

var registry = []Definition{
	{
		ID: Hero, Label: "Hero", Shape: ShapeJSON,
		RequiredKeys:     []string{"headline", "subheadline", "summary"},
		ContextKeys:      commonContext,
		ImageField:       "hero_image",
		ImageKeywordKeys: []string{"focus_keyword", "product_category"},
	},
	{
		ID: SERPAnswer, Label: "SERP Answer", Shape: ShapeText,
		TextKey:     "answer",
		ContextKeys: commonContext,
	},
	{
		ID: ProductCriteria, Label: "Product Criteria", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "criteria"},
		ContextKeys:  commonContext,
	},
	{
		ID: Materials, Label: "Materials", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "materials"},
		ContextKeys:  commonContext,
	},
	{
		ID: Process, Label: "Process", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "steps"},
		ContextKeys:  commonContext,
	},
	{
		ID: Comparison, Label: "Comparison", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "columns", "rows"},
		ContextKeys:  commonContext,
	},
	{
		ID: ProductShowcase, Label: "Product Showcase", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "products"},
		ContextKeys:  commonContext,
	},
	{
		ID: SizeFit, Label: "Size & Fit", Shape: ShapeJSON,
		RequiredKeys:     []string{"heading", "guidance"},
		ContextKeys:      commonContext,
		ImageField:       "size_chart_image",
		ImageKeywordKeys: []string{"product_category", "focus_keyword"},
	},
	{
		ID: CareWarranty, Label: "Care & Warranty", Shape: ShapeJSON,
		RequiredKeys: []string{"care_heading", "care_instructions", "warranty_heading", "warranty_summary"},
		ContextKeys:  commonContext,
	},
	{
		ID: Ethics, Label: "Ethics", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "content"},
		ContextKeys:  commonContext,
	},
	{
		ID: FAQs, Label: "FAQs", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "questions"},
		ContextKeys:  commonContext,
	},
	{
		ID: CTA, Label: "Call to Action", Shape: ShapeJSON,
		RequiredKeys: []string{"heading", "text", "button_text"},
		ContextKeys:  commonContext,
	},
}

var index = func() map[string]Definition {
	out := make(map[string]Definition, len(registry))
	for i := range registry {
		registry[i].Order = i + 1
		out[registry[i].ID] = registry[i]
	}
	return out
}()

// Lookup returns the definition for id.
func Lookup(id string) (Definition, bool) {
	def, ok := index[id]
	return def, ok
}

// Valid reports whether id names a registered block.
func Valid(id string) bool {
	_, ok := index[id]
	return ok
}

// All returns every definition in page order.
func All() []Definition {
	out := make([]Definition, len(registry))
	copy(out, registry)
	return out
}

// IDs returns every block id in page order.
func IDs() []string {
	out := make([]string, 0, len(registry))
	for _, def := range registry {
		out = append(out, def.ID)
	}
	return out
}
