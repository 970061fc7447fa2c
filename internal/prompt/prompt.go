// Package prompt holds the API combination sent to the generator each round,
// its deterministic mutation, and its rendering into request text.
package prompt

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"text/template"

	"promptfuzz/internal/gadget"
)

// Prompt is an ordered set of distinct gadgets plus auxiliary text.
type Prompt struct {
	Combination []gadget.APIGadget
	Aux         string
}

// FromCombination builds a prompt. Later duplicates are dropped so the
// combination never repeats an API.
func FromCombination(comb []gadget.APIGadget) *Prompt {
	p := &Prompt{}
	p.SetCombination(comb)
	return p
}

// SetCombination replaces the combination, dropping duplicates.
func (p *Prompt) SetCombination(comb []gadget.APIGadget) {
	seen := make(map[string]bool, len(comb))
	out := make([]gadget.APIGadget, 0, len(comb))
	for _, g := range comb {
		if seen[g.Name] {
			continue
		}
		seen[g.Name] = true
		out = append(out, g)
	}
	p.Combination = out
}

// Names returns the API names in order.
func (p *Prompt) Names() []string {
	names := make([]string, len(p.Combination))
	for i, g := range p.Combination {
		names[i] = g.Name
	}
	return names
}

// Contains reports whether the combination already includes name.
func (p *Prompt) Contains(name string) bool {
	for _, g := range p.Combination {
		if g.Name == name {
			return true
		}
	}
	return false
}

// Shuffle reorders the combination in place.
func (p *Prompt) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(p.Combination), func(i, j int) {
		p.Combination[i], p.Combination[j] = p.Combination[j], p.Combination[i]
	})
}

// EnergySource is the part of the scheduler prompt mutation needs.
type EnergySource interface {
	ChooseLowEnergyAPI(names []string) (int, error)
	ChooseAPIByEnergy() string
	Catalog() *gadget.Catalog
}

// maxRedraws bounds attempts to find a replacement not already in the prompt.
const maxRedraws = 32

// Mutate replaces up to lines members of the combination. Each victim is
// chosen by low energy, each replacement by high energy; a replacement that
// would repeat an API is redrawn. Returns how many lines changed.
func (p *Prompt) Mutate(src EnergySource, lines int) (int, error) {
	changed := 0
	for k := 0; k < lines && len(p.Combination) > 0; k++ {
		victim, err := src.ChooseLowEnergyAPI(p.Names())
		if err != nil {
			return changed, fmt.Errorf("mutate prompt: %w", err)
		}
		for try := 0; try < maxRedraws; try++ {
			name := src.ChooseAPIByEnergy()
			if p.Contains(name) {
				continue
			}
			g, ok := src.Catalog().Lookup(name)
			if !ok {
				return changed, fmt.Errorf("mutate prompt: api %s not in catalog", name)
			}
			p.Combination[victim] = g
			changed++
			break
		}
	}
	return changed, nil
}

// Params is the data passed to a prompt template.
type Params struct {
	Project     string
	Mode        string
	Combination []gadget.APIGadget
	Aux         string
	Description string
	Spec        string
}

// Renderer fills a text/template with prompt parameters.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses tmpl. An empty string selects the default template for mode.
func NewRenderer(mode, tmpl string) (*Renderer, error) {
	if tmpl == "" {
		tmpl = defaultTemplate(mode)
	}
	funcMap := template.FuncMap{
		"add":  func(a, b int) int { return a + b },
		"join": strings.Join,
	}
	t, err := template.New("prompt").Funcs(funcMap).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Renderer{tmpl: t}, nil
}

// NewRendererFromFile loads the template from path; an empty path selects the default.
func NewRendererFromFile(mode, path string) (*Renderer, error) {
	if path == "" {
		return NewRenderer(mode, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template %s: %w", path, err)
	}
	return NewRenderer(mode, string(data))
}

// Render executes the template.
func (r *Renderer) Render(params Params) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}

const driverTemplate = `Create a C++ language program step by step by using {{.Project}} library APIs and following the instructions below:
1. Here are several APIs in {{.Project}}. Specify an event that those APIs could achieve together, if the input is a byte stream of {{.Project}}' output data.
{{range $i, $g := .Combination}}{{$g}};
{{end}}2. Complete the LLVMFuzzerTestOneInput function to achieve this event by using those APIs. Each API should be called at least once, if possible.
3. The input data and its size are passed as parameters of LLVMFuzzerTestOneInput: ` + "`const uint8_t *data`" + ` and ` + "`size_t size`" + `. They must be consumed by the {{.Project}} APIs.
4. Release all allocated resources before return.
{{if .Spec}}
The beginning of the fuzz driver is:
{{.Spec}}
{{end}}{{if .Aux}}
{{.Aux}}
{{end}}`

const combinationTemplate = `Your task is to create a C++ function named ` + "`void test_{{.Project}}_api_sequence()`" + ` that demonstrates a realistic, end-to-end usage scenario for the {{.Project}} library.
{{if .Description}}
{{.Description}}
{{end}}
Use the following APIs to construct the sequence:
{{range $i, $g := .Combination}}{{add $i 1}}. {{$g}}
{{end}}
The function must be named ` + "`test_{{.Project}}_api_sequence`" + `, must not include ` + "`#include`" + ` directives or a ` + "`main`" + ` function, and must end with
` + "`printf(\"API sequence test completed successfully.\\n\");`" + `.
{{if .Aux}}
{{.Aux}}
{{end}}`

func defaultTemplate(mode string) string {
	if mode == "combination" {
		return combinationTemplate
	}
	return driverTemplate
}
