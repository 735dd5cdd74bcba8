package models

// RequestConfig describes the target request a worker generates load against.
type RequestConfig struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	QueryParams  map[string]string `json:"queryParams,omitempty"`
	Body         string            `json:"body,omitempty"`
	AttachmentID string            `json:"attachmentId,omitempty"`
}

// LoadProfile describes the shape of the load: ramp-up to Users concurrent
// virtual users, hold for Steady, then ramp down. All durations in seconds.
type LoadProfile struct {
	RampUp   int `json:"rampUp"`
	Users    int `json:"users"`
	Steady   int `json:"steady"`
	RampDown int `json:"rampDown"`
}

// Spec is a named, reusable test specification. The CRUD surface for specs
// lives outside the core; the orchestrator only reads them.
type Spec struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Request     RequestConfig `json:"request"`
	LoadProfile LoadProfile   `json:"loadProfile"`
}

// ResolvedSpec is a validated spec with any attachment materialized,
// ready to hand to a worker.
type ResolvedSpec struct {
	Spec
	Attachment []byte `json:"attachment,omitempty"`
}
