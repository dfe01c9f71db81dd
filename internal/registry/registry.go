// Package registry holds handler declarations and matches them against a
// Cause. Declarations are grouped implicitly by registration order within
// each call site, and IterHandlers preserves that order, so downstream
// execution is deterministic across restarts.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
	"github.com/iancoleman/strcase"
	"github.com/kopflow/kopflow/internal/causation"
	"github.com/kopflow/kopflow/pkg/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
)

// ErrorsMode governs how an unclassified exception from a handler is
// treated: as a retryable TemporaryError or an immediate PermanentError.
type ErrorsMode string

const (
	ErrorsTemporary ErrorsMode = "TEMPORARY"
	ErrorsPermanent ErrorsMode = "PERMANENT"
)

var nonAlnum = regexp.MustCompile(`\W`)

// SanitizeID normalizes a user- or function-derived handler name into a
// stable progress-store key.
func SanitizeID(name string) string {
	return strings.Trim(strcase.ToSnake(nonAlnum.ReplaceAllString(name, "_")), "_")
}

// Filter narrows which objects a Handler applies to, beyond its resource
// glob and reason set.
type Filter struct {
	Labels      map[string]string
	Annotations map[string]string
	// When is an optional CEL boolean expression evaluated against the
	// object under the variable "o" (e.g. `o.spec.replicas > 1`).
	When string
}

// Func is the user-supplied body of a Handler: it receives the classified
// Cause and returns a result to merge into status, or an error.
type Func func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error)

// Handler is one registered declaration.
type Handler struct {
	ID       string
	Resource resource.Glob
	Filter   Filter
	// Reasons restricts which Cause reasons this handler matches; empty
	// matches every reason (used by raw on.event registrations).
	Reasons []causation.Reason
	Retries int
	Backoff time.Duration
	Errors  ErrorsMode
	Func    Func

	seq int
}

// Registry holds every registered Handler and matches them against causes.
type Registry struct {
	mu       sync.Mutex
	handlers []*Handler
	nextSeq  int

	cel    *predicateEvaluator
	logger klog.Logger

	defaultBackoff time.Duration
	defaultRetries int
}

// New returns an empty Registry whose when-predicates are evaluated under
// costLimit (see cel.CostLimit). defaultBackoff/defaultRetries are stamped
// onto any Handler registered with a zero Backoff/Retries, so an
// unclassified error can never retry immediately forever with no ceiling
// (retries.default_backoff / retries.default_limit).
func New(logger klog.Logger, costLimit uint64, defaultBackoff time.Duration, defaultRetries int) *Registry {
	return &Registry{
		cel: newPredicateEvaluator(logger, costLimit), logger: logger,
		defaultBackoff: defaultBackoff, defaultRetries: defaultRetries,
	}
}

// Register adds h to the registry, stamping its registration sequence and
// defaulting a zero Backoff/Retries from the Registry's configured
// defaults, and returns the stored handler.
func (r *Registry) Register(h Handler) *Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.seq = r.nextSeq
	r.nextSeq++
	if h.Backoff <= 0 {
		h.Backoff = r.defaultBackoff
	}
	if h.Retries <= 0 {
		h.Retries = r.defaultRetries
	}
	hp := &h
	r.handlers = append(r.handlers, hp)
	return hp
}

// HasHandlers reports whether any registered handler's resource glob
// matches d. Satisfies discovery.HandlerMatcher.
func (r *Registry) HasHandlers(d resource.Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handlers {
		if h.Resource.Matches(d) {
			return true
		}
	}
	return false
}

// HasReasonHandlers reports whether any registered handler matching d also
// matches reason (an empty Reasons set matches every reason). Used to gate
// finalizer injection on a resource actually having a delete handler.
func (r *Registry) HasReasonHandlers(d resource.Descriptor, reason causation.Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handlers {
		if !h.Resource.Matches(d) {
			continue
		}
		if len(h.Reasons) == 0 || containsReason(h.Reasons, reason) {
			return true
		}
	}
	return false
}

// IterHandlers returns every handler matching d and cause, in deterministic
// registration order.
func (r *Registry) IterHandlers(d resource.Descriptor, cause *causation.Cause) []*Handler {
	r.mu.Lock()
	handlers := make([]*Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].seq < handlers[j].seq })

	out := make([]*Handler, 0, len(handlers))
	for _, h := range handlers {
		if !h.Resource.Matches(d) {
			continue
		}
		if len(h.Reasons) > 0 && !containsReason(h.Reasons, cause.Reason) {
			continue
		}
		if !r.matches(h.Filter, cause.Body) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func containsReason(reasons []causation.Reason, r causation.Reason) bool {
	for _, x := range reasons {
		if x == r {
			return true
		}
	}
	return false
}

func (r *Registry) matches(f Filter, obj *unstructured.Unstructured) bool {
	if !labelsMatch(f.Labels, obj.GetLabels()) {
		return false
	}
	if !labelsMatch(f.Annotations, obj.GetAnnotations()) {
		return false
	}
	if f.When != "" {
		ok, err := r.cel.EvalBool(f.When, obj.Object)
		if err != nil {
			r.logger.V(1).Info("ignoring when-predicate for this pass", "when", f.When, "err", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func labelsMatch(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// predicateEvaluator compiles and evaluates CEL boolean expressions against
// an unstructured object, under a fixed evaluation cost limit.
type predicateEvaluator struct {
	logger    klog.Logger
	costLimit uint64
}

func newPredicateEvaluator(logger klog.Logger, costLimit uint64) *predicateEvaluator {
	return &predicateEvaluator{logger: logger, costLimit: costLimit}
}

func (p *predicateEvaluator) EvalBool(expr string, obj map[string]interface{}) (bool, error) {
	env, err := cel.NewEnv(
		cel.CrossTypeNumericComparisons(true),
		cel.DefaultUTCTimeZone(true),
		cel.EagerlyValidateDeclarations(true),
	)
	if err != nil {
		return false, fmt.Errorf("registry: building CEL environment: %w", err)
	}

	ast, iss := env.Parse(expr)
	if iss.Err() != nil {
		return false, fmt.Errorf("registry: parsing when-predicate: %w", iss.Err())
	}

	program, err := env.Program(ast, cel.CostLimit(p.costLimit), cel.CostTracking(costEstimator{}))
	if err != nil {
		return false, fmt.Errorf("registry: compiling when-predicate: %w", err)
	}

	out, _, err := program.Eval(map[string]interface{}{"o": obj})
	if err != nil {
		return false, fmt.Errorf("registry: evaluating when-predicate: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("registry: when-predicate %q did not evaluate to a bool", expr)
	}
	return b, nil
}

// costEstimator assigns a flat runtime cost of 1 per function call.
type costEstimator struct{}

var _ interpreter.ActualCostEstimator = costEstimator{}

func (costEstimator) CallCost(function string, _ string, _ []ref.Val, _ ref.Val) *uint64 {
	cost := uint64(1)
	return &cost
}
