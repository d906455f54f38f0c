package adapter

import (
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/schue/moqui-mcp-sub002/mcp"
)

// ResourceSpec maps a URI template onto the backend operation that reads
// matching resources. Template variables become operation arguments.
type ResourceSpec struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	Operation   string
}

// DefaultResources is the resource template table used when none is
// configured.
func DefaultResources() []ResourceSpec {
	return []ResourceSpec{
		{
			URITemplate: "screen://{+path}",
			Name:        "screen",
			Description: "A rendered application screen",
			MimeType:    "text/plain",
			Operation:   "mcp.screen.render",
		},
		{
			URITemplate: "entity://{entityName}",
			Name:        "entity",
			Description: "Entity definition with fields and relationships",
			MimeType:    "application/json",
			Operation:   "mcp.entity.describe",
		},
	}
}

type resource struct {
	spec     ResourceSpec
	template *uritemplate.Template
}

func compileResource(spec ResourceSpec) (*resource, error) {
	if spec.Operation == "" {
		return nil, fmt.Errorf("resource template %q: operation is required", spec.URITemplate)
	}
	tmpl, err := uritemplate.New(spec.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("resource template %q: %w", spec.URITemplate, err)
	}
	return &resource{spec: spec, template: tmpl}, nil
}

// match returns the template variables for uri, or false.
func (r *resource) match(uri string) (map[string]any, bool) {
	if !r.template.Regexp().MatchString(uri) {
		return nil, false
	}
	values := r.template.Match(uri)
	args := make(map[string]any, len(r.template.Varnames()))
	for _, name := range r.template.Varnames() {
		v := values.Get(name)
		if !v.Valid() {
			continue
		}
		args[name] = v.String()
	}
	return args, true
}

func (r *resource) describe() mcp.ResourceTemplate {
	return mcp.ResourceTemplate{
		URITemplate: r.spec.URITemplate,
		Name:        r.spec.Name,
		Description: r.spec.Description,
		MimeType:    r.spec.MimeType,
	}
}
