// Package specs resolves and validates test specs before a run is admitted.
package specs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/store"
)

// ErrSpecNotFound indicates the requested spec id does not exist.
var ErrSpecNotFound = errors.New("spec not found")

// InvalidSpecError reports a spec that exists but cannot be run.
type InvalidSpecError struct {
	SpecID string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("spec %s is invalid: %s", e.SpecID, e.Reason)
}

// AttachmentLoader fetches request body attachments by id. Optional; a nil
// loader means attachment references fail resolution.
type AttachmentLoader interface {
	LoadAttachment(ctx context.Context, id string) ([]byte, error)
}

// Resolver turns a spec id into a validated, fully-materialized spec ready
// to hand to a worker.
type Resolver struct {
	specs       store.SpecStore
	attachments AttachmentLoader
}

// NewResolver creates a resolver backed by the given spec store.
func NewResolver(specs store.SpecStore, attachments AttachmentLoader) *Resolver {
	return &Resolver{specs: specs, attachments: attachments}
}

// Resolve loads the spec, validates it, and materializes any attachment.
func (r *Resolver) Resolve(ctx context.Context, specID string) (*models.ResolvedSpec, error) {
	spec, err := r.specs.GetSpec(ctx, specID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSpecNotFound
		}
		return nil, fmt.Errorf("load spec %s: %w", specID, err)
	}

	if reason := Validate(spec); reason != "" {
		return nil, &InvalidSpecError{SpecID: specID, Reason: reason}
	}

	resolved := &models.ResolvedSpec{Spec: *spec}
	if spec.Request.AttachmentID != "" {
		if r.attachments == nil {
			return nil, &InvalidSpecError{SpecID: specID, Reason: "attachment references are not supported"}
		}
		data, err := r.attachments.LoadAttachment(ctx, spec.Request.AttachmentID)
		if err != nil {
			return nil, &InvalidSpecError{SpecID: specID,
				Reason: fmt.Sprintf("attachment %s could not be loaded: %v", spec.Request.AttachmentID, err)}
		}
		resolved.Attachment = data
	}
	return resolved, nil
}

// Validate checks a spec for runnability. Returns an empty string when the
// spec is valid, or the reason it is not.
func Validate(spec *models.Spec) string {
	if strings.TrimSpace(spec.Request.Method) == "" {
		return "request method is required"
	}
	u, err := url.Parse(spec.Request.URL)
	if err != nil {
		return fmt.Sprintf("target url is not parseable: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("target url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "target url has no host"
	}

	p := spec.LoadProfile
	if p.Users < 1 {
		return "load profile requires at least one user"
	}
	if p.Steady <= 0 {
		return "steady phase duration must be positive"
	}
	if p.RampUp < 0 || p.RampDown < 0 {
		return "ramp durations cannot be negative"
	}
	return ""
}
