package quickfix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatchService stages, enables and removes patches. Deploy, Switch and Delete
// return an error when the call could not be issued at all. Otherwise they
// complete later by calling done, from any goroutine.
type PatchService interface {
	Deploy(ctx context.Context, files []string, done func(DeployResult)) error
	Switch(ctx context.Context, bundleName string, enable bool, done func(Status)) error
	Delete(ctx context.Context, bundleName string, done func(Status)) error
	// Info returns the metadata of the active patch of a bundle.
	Info(ctx context.Context, bundleName string) (DeployResult, error)
}

// ProcessAuthority knows the running state of bundle processes and can ask
// them to load, unload or reload patched code. Notify methods return nil on
// success.
type ProcessAuthority interface {
	IsRunning(ctx context.Context, bundleName string) bool
	// RegisterDeathObserver calls onDied once, from any goroutine, after the
	// process of a bundle exited. The returned function stops the observer.
	RegisterDeathObserver(ctx context.Context, bundleName string, onDied func()) (func(), error)
	NotifyLoadRepairPatch(ctx context.Context, bundleName string) error
	NotifyHotReloadPage(ctx context.Context, bundleName string) error
	NotifyUnloadRepairPatch(ctx context.Context, bundleName string) error
}

// Status is the completion of Switch and Delete. Zero Code is success.
type Status struct {
	Code    int    `json:"resultCode"`
	Message string `json:"message,omitempty"`
}

func (s Status) OK() bool {
	return s.Code == 0
}

func (s Status) String() string {
	if s.Message == "" {
		return fmt.Sprintf("code %d", s.Code)
	}
	return fmt.Sprintf("code %d: %s", s.Code, s.Message)
}

// DeployResult is the completion of Deploy and the answer of Info. Metadata
// fields are pointers, so a missing field is distinguished from a zero value.
type DeployResult struct {
	Code              int        `json:"resultCode" yaml:"-"`
	Message           string     `json:"message,omitempty" yaml:"-"`
	BundleName        *string    `json:"bundleName" yaml:"bundleName"`
	BundleVersionCode *int64     `json:"bundleVersionCode" yaml:"bundleVersionCode"`
	PatchVersionCode  *int64     `json:"patchVersionCode" yaml:"patchVersionCode"`
	IsSoContained     *bool      `json:"isSoContained" yaml:"isSoContained"`
	Type              *PatchType `json:"type" yaml:"type"`
}

// PatchType is the raw type field of patch metadata. It decodes from a
// string (patch, hotreload, HOT_RELOAD) or from the numeric codes 0 and 1.
// ParseKind validates it.
type PatchType string

func (p *PatchType) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PatchType(s)
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("patch type must be a string or a number: %w", err)
	}
	*p = PatchType(n.String())
	return nil
}

func (p *PatchType) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: patch type must be a string or a number", value.Line)
	}
	*p = PatchType(value.Value)
	return nil
}

// PatchInfo is validated patch metadata.
type PatchInfo struct {
	BundleName        string `json:"bundleName"`
	BundleVersionCode int64  `json:"bundleVersionCode"`
	PatchVersionCode  int64  `json:"patchVersionCode"`
	IsSoContained     bool   `json:"isSoContained"`
	Kind              Kind   `json:"-"`
}

var ErrIncompleteResult = errors.New("incomplete patch info")

// Info validates the metadata. Every missing field and an unknown type is
// reported as ErrIncompleteResult.
func (r DeployResult) Info() (PatchInfo, error) {
	var missing []string
	if r.BundleName == nil || *r.BundleName == "" {
		missing = append(missing, "bundleName")
	}
	if r.BundleVersionCode == nil {
		missing = append(missing, "bundleVersionCode")
	}
	if r.PatchVersionCode == nil {
		missing = append(missing, "patchVersionCode")
	}
	if r.IsSoContained == nil {
		missing = append(missing, "isSoContained")
	}
	if r.Type == nil {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return PatchInfo{}, fmt.Errorf("%w: missing %s", ErrIncompleteResult, strings.Join(missing, ", "))
	}

	kind, err := ParseKind(string(*r.Type))
	if err != nil {
		return PatchInfo{}, fmt.Errorf("%w: %w", ErrIncompleteResult, err)
	}

	return PatchInfo{
		BundleName:        *r.BundleName,
		BundleVersionCode: *r.BundleVersionCode,
		PatchVersionCode:  *r.PatchVersionCode,
		IsSoContained:     *r.IsSoContained,
		Kind:              kind,
	}, nil
}
