// Package client wraps an authenticated, Vault-aware client-go session to
// implement the kopflow API Client: GET/LIST/WATCH/PATCH over arbitrary,
// discovered resources, plus the /api + /apis discovery walk.
//
// It pairs a dynamic.Interface for generic object access with a
// kubernetes.Interface for discovery and core-API calls (events, ConfigMaps
// for peering).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kopferrors "github.com/kopflow/kopflow/internal/errors"
	"github.com/kopflow/kopflow/internal/vault"
	"github.com/kopflow/kopflow/pkg/resource"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

// Factory builds an authenticated dynamic + typed client pair from a
// vault.ConnectionInfo. Production code supplies the real rest.Config
// builder; tests supply fakes.
type Factory func(info vault.ConnectionInfo) (dynamic.Interface, kubernetes.Interface, error)

// Client is the kopflow API Client. It re-resolves its underlying clientset
// from the Vault on every call, so a Put/Invalidate takes effect on the next
// request without any explicit reconnect step.
type Client struct {
	vault   *vault.Vault
	factory Factory

	// ServerTimeout, when positive, is sent as the watch request's
	// TimeoutSeconds, asking the API server to close the stream after
	// that long rather than holding it open indefinitely. Zero leaves the
	// server's own default in effect.
	ServerTimeout time.Duration

	// RequestTimeout bounds each GET/LIST/PATCH call. The discovery walk in
	// ScanResources is not bounded by it. Zero leaves ctx's own deadline, if
	// any, in effect.
	RequestTimeout time.Duration
}

// boundedContext wraps ctx with RequestTimeout, if positive. The returned
// cancel must be deferred by the caller even when timeout is zero, since it
// is always a valid (possibly no-op) func.
func (c *Client) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

// New returns a Client that builds sessions via factory, authenticated from
// v's active entry.
func New(v *vault.Vault, factory Factory) *Client {
	return &Client{vault: v, factory: factory}
}

func (c *Client) session() (dynamic.Interface, kubernetes.Interface, error) {
	info, err := c.vault.Active()
	if err != nil {
		return nil, nil, err
	}
	dyn, typ, err := c.factory(info)
	if err != nil {
		return nil, nil, &kopferrors.LoginError{Reason: err.Error()}
	}
	return dyn, typ, nil
}

// ReadObj fetches a single object. When def is non-nil and the API returns
// 403/404, def is returned instead of an error.
func (c *Client) ReadObj(ctx context.Context, d resource.Descriptor, namespace, name string, def *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	dyn, _, err := c.session()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	ri := scopedResource(dyn, d, namespace)
	obj, err := ri.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return c.handleReadError(err, def)
	}
	return obj, nil
}

func (c *Client) handleReadError(err error, def *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if apierrors.IsUnauthorized(err) {
		return nil, &kopferrors.LoginError{Reason: err.Error()}
	}
	if (apierrors.IsForbidden(err) || apierrors.IsNotFound(err)) && def != nil {
		return def, nil
	}
	return nil, err
}

// ListObjs lists every object of d in namespace (namespace == "" lists
// cluster-wide) and returns the items plus the list's resourceVersion, the
// watch bookmark LIST+WATCH must resume from.
func (c *Client) ListObjs(ctx context.Context, d resource.Descriptor, namespace string) ([]unstructured.Unstructured, string, error) {
	dyn, _, err := c.session()
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	ri := scopedResource(dyn, d, namespace)
	list, err := ri.List(ctx, metav1.ListOptions{})
	if err != nil {
		if apierrors.IsUnauthorized(err) {
			return nil, "", &kopferrors.LoginError{Reason: err.Error()}
		}
		return nil, "", err
	}
	return list.Items, list.GetResourceVersion(), nil
}

// WatchObjs opens a watch stream for d starting after resourceVersion. The
// caller must Stop() the returned watch.Interface. A GoneError is returned
// when resourceVersion has expired (HTTP 410): the caller should re-LIST.
func (c *Client) WatchObjs(ctx context.Context, d resource.Descriptor, namespace, resourceVersion string) (watch.Interface, error) {
	dyn, _, err := c.session()
	if err != nil {
		return nil, err
	}

	opts := metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	}
	if c.ServerTimeout > 0 {
		seconds := int64(c.ServerTimeout / time.Second)
		opts.TimeoutSeconds = &seconds
	}

	ri := scopedResource(dyn, d, namespace)
	w, err := ri.Watch(ctx, opts)
	if err != nil {
		if apierrors.IsGone(err) {
			return nil, &kopferrors.GoneError{Cause: err}
		}
		if apierrors.IsUnauthorized(err) {
			return nil, &kopferrors.LoginError{Reason: err.Error()}
		}
		return nil, err
	}
	return w, nil
}

// PatchObj sends an accumulated merge patch back to the API.
func (c *Client) PatchObj(ctx context.Context, d resource.Descriptor, namespace, name string, patch map[string]interface{}) (*unstructured.Unstructured, error) {
	dyn, _, err := c.session()
	if err != nil {
		return nil, err
	}

	raw, err := marshalPatch(patch)
	if err != nil {
		return nil, fmt.Errorf("client: marshaling patch: %w", err)
	}

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	ri := scopedResource(dyn, d, namespace)
	obj, err := ri.Patch(ctx, name, types.MergePatchType, raw, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsConflict(err) {
			return nil, &kopferrors.ConflictError{Cause: err}
		}
		if apierrors.IsUnauthorized(err) {
			return nil, &kopferrors.LoginError{Reason: err.Error()}
		}
		return nil, err
	}
	return obj, nil
}

// ScanResources walks /api and /apis — every served group and every served
// version within each group — and yields every resource descriptor the API
// server exposes.
func (c *Client) ScanResources(ctx context.Context, logger klog.Logger) ([]resource.Descriptor, error) {
	_, typ, err := c.session()
	if err != nil {
		return nil, err
	}

	_, apiResourceLists, err := typ.Discovery().ServerGroupsAndResources()
	if err != nil {
		if apierrors.IsUnauthorized(err) {
			return nil, &kopferrors.LoginError{Reason: err.Error()}
		}
		// Partial discovery failures are common (a stale/unhealthy aggregated
		// API service); log and keep whatever resources were resolved.
		logger.V(1).Info("partial discovery failure, continuing with what was resolved", "err", err)
	}

	var out []resource.Descriptor
	for _, list := range apiResourceLists {
		gv, err := parseGroupVersion(list.GroupVersion)
		if err != nil {
			logger.V(2).Info("skipping unparsable discovery groupVersion", "groupVersion", list.GroupVersion)
			continue
		}
		for _, r := range list.APIResources {
			out = append(out, resource.New(gv.group, gv.version, r.Name))
		}
	}
	return out, nil
}

type groupVersion struct{ group, version string }

func parseGroupVersion(gv string) (groupVersion, error) {
	for i := len(gv) - 1; i >= 0; i-- {
		if gv[i] == '/' {
			return groupVersion{group: gv[:i], version: gv[i+1:]}, nil
		}
	}
	if gv == "" {
		return groupVersion{}, fmt.Errorf("client: empty groupVersion")
	}
	return groupVersion{group: "", version: gv}, nil
}

func marshalPatch(patch map[string]interface{}) ([]byte, error) {
	return json.Marshal(patch)
}

func scopedResource(dyn dynamic.Interface, d resource.Descriptor, namespace string) dynamic.ResourceInterface {
	ri := dyn.Resource(d.GroupVersionResource)
	if namespace != "" {
		return ri.Namespace(namespace)
	}
	return ri
}

// RealConfig builds a *rest.Config from a vault.ConnectionInfo, the
// production Factory's building block.
func RealConfig(info vault.ConnectionInfo) *rest.Config {
	cfg := &rest.Config{
		Host:        info.Server,
		BearerToken: info.Token,
		Username:    info.Username,
		Password:    info.Password,
	}
	cfg.TLSClientConfig.Insecure = info.Insecure
	cfg.TLSClientConfig.CAData = info.CAData
	cfg.TLSClientConfig.CertData = info.Cert
	cfg.TLSClientConfig.KeyData = info.Key
	return cfg
}
