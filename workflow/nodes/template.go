package nodes

import (
	"context"
	"fmt"

	"github.com/BaSui01/flowgraph/workflow"
)

// Template renders the node's "template" config value with every {{var}}
// reference resolved. A template that consists of a single whole-value
// reference keeps the referenced value's type; anything else renders as a
// string.
type Template struct {
	workflow.Base
}

func (p *Template) Process(ctx context.Context, input any) (any, error) {
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	if source == nil && input != nil {
		source = input
	}

	resolved, _ := p.ResolveConfig(source, asMap(input))
	out, ok := resolved["template"]
	if !ok {
		return nil, fmt.Errorf("template node %s has no template config", p.NodeID())
	}

	p.SaveOutput(out)
	return out, nil
}

// Aggregator waits for all of its producers (the engine enforces the
// barrier) and publishes their outputs keyed by producer node id.
type Aggregator struct {
	workflow.Base
}

func (p *Aggregator) Process(ctx context.Context, input any) (any, error) {
	p.SetInput(input)

	inputs, err := p.InputsFromSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(inputs))
	for _, in := range inputs {
		out[in.SourceNodeID] = in.Data
	}

	p.SaveOutput(out)
	return out, nil
}
