// Package resource identifies Kubernetes resource kinds and builds their
// REST endpoints.
package resource

import (
	"errors"
	"net/url"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ErrSubresourceWithoutName is returned by Descriptor.URL when a subresource
// is requested without a specific object name.
var ErrSubresourceWithoutName = errors.New("resource: subresources can only be used with a specific object by name")

// Descriptor is an immutable reference to a resource kind, identified by its
// group, version and plural name. It is the only type in this package that
// can be used to build API calls.
type Descriptor struct {
	schema.GroupVersionResource
}

// New returns a Descriptor for the given group/version/plural.
func New(group, version, plural string) Descriptor {
	return Descriptor{schema.GroupVersionResource{Group: group, Version: version, Resource: plural}}
}

// Name returns "plural.group", with the trailing dot stripped when the
// group is empty (the core API group).
func (d Descriptor) Name() string {
	return strings.Trim(d.Resource+"."+d.Group, ".")
}

// APIVersion returns "group/version", with the slash stripped when the group
// is empty.
func (d Descriptor) APIVersion() string {
	return strings.Trim(d.Group+"/"+d.Version, "/")
}

// String renders the descriptor as "plural/version", matching the Python
// original's __repr__.
func (d Descriptor) String() string {
	return d.Resource + "/" + d.Version
}

// URLOptions narrows a URL built by Descriptor.URL to a specific object,
// namespace, and/or subresource.
type URLOptions struct {
	Namespace   string
	Name        string
	Subresource string
	Params      url.Values
}

// URL builds the REST path for this descriptor. A group of "" and a version
// of "v1" address the legacy core API ("/api/v1"); anything else uses the
// grouped API ("/apis/{group}/{version}"). A non-empty Subresource requires
// a non-empty Name.
func (d Descriptor) URL(server string, opts URLOptions) (string, error) {
	if opts.Subresource != "" && opts.Name == "" {
		return "", ErrSubresourceWithoutName
	}

	prefix := "/apis"
	if d.Group == "" && d.Version == "v1" {
		prefix = "/api"
	}

	parts := []string{prefix, d.Group, d.Version}
	if opts.Namespace != "" {
		parts = append(parts, "namespaces", opts.Namespace)
	}
	parts = append(parts, d.Resource)
	if opts.Name != "" {
		parts = append(parts, opts.Name)
		if opts.Subresource != "" {
			parts = append(parts, opts.Subresource)
		}
	}

	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	path := strings.Join(nonEmpty, "/")

	var built strings.Builder
	built.WriteString(path)
	if len(opts.Params) > 0 {
		built.WriteString("?")
		built.WriteString(opts.Params.Encode())
	}

	if server == "" {
		return built.String(), nil
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(built.String(), "/"), nil
}

// VersionURL builds the REST path for this descriptor's API group/version
// root, without a resource plural segment (used to probe discovery).
func (d Descriptor) VersionURL(server string, params url.Values) string {
	prefix := "/apis"
	if d.Group == "" && d.Version == "v1" {
		prefix = "/api"
	}

	parts := []string{prefix, d.Group, d.Version}
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	path := strings.Join(nonEmpty, "/")

	var built strings.Builder
	built.WriteString(path)
	if len(params) > 0 {
		built.WriteString("?")
		built.WriteString(params.Encode())
	}

	if server == "" {
		return built.String()
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimLeft(built.String(), "/")
}

// Glob is a Descriptor shape where any field may be "*" to match several
// resources. A Glob is never used to build API calls directly.
type Glob struct {
	Group, Version, Plural string
}

// Matches reports whether d satisfies this glob.
func (g Glob) Matches(d Descriptor) bool {
	return (g.Group == "*" || g.Group == d.Group) &&
		(g.Version == "*" || g.Version == d.Version) &&
		(g.Plural == "*" || g.Plural == d.Resource)
}
