// Copyright (c) The MeshBeacon Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mesh defines the service-mesh policy declaration model and the
// protocol for distributing resolved policies between applications over
// relation-scoped key/value channels.
package mesh

import (
	"errors"
	"fmt"
)

// Method is an HTTP request method.
type Method string

const (
	MethodConnect Method = "CONNECT"
	MethodDelete  Method = "DELETE"
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodTrace   Method = "TRACE"
)

// MeshType tags a mesh implementation. It is broadcast by the policy
// provider so that consumers know which substrate enforces their policies.
type MeshType string

// MeshTypeIstio represents an Istio ambient mesh.
const MeshTypeIstio MeshType = "istio"

// Endpoint describes the shape of traffic allowed to reach a workload.
// An unset field means unrestricted on that dimension, not deny.
type Endpoint struct {
	Hosts   []string `json:"hosts,omitempty"`
	Ports   []int    `json:"ports,omitempty"`
	Methods []Method `json:"methods,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// HasL7Attributes returns true if the endpoint restricts any dimension
// beyond ports. Unit-targeted policies cannot carry such endpoints.
func (e *Endpoint) HasL7Attributes() bool {
	return len(e.Hosts) > 0 || len(e.Methods) > 0 || len(e.Paths) > 0
}

// DeclaredPolicy is a locally authored access rule bound to one relation
// name. Applications declare these once at startup; every application
// related over the named relation is granted the declared access.
type DeclaredPolicy interface {
	// RelationName returns the relation this rule is bound to.
	RelationName() string
	// newPolicy returns the canonical record template for this rule,
	// targeting the local application. Source identity is filled in later,
	// per bound relation instance.
	newPolicy(localApp, localNamespace string) (MeshPolicy, error)
}

// AppPolicy grants related applications access to this application's
// service. App policies may restrict traffic on L7 dimensions.
type AppPolicy struct {
	// Relation is the name of the relation this rule is bound to.
	Relation string
	// Endpoints describe the traffic allowed by this rule.
	Endpoints []Endpoint
	// Service optionally names the target service. If empty, the policy
	// targets the service named after the application.
	Service string
}

// RelationName returns the relation this rule is bound to.
func (p *AppPolicy) RelationName() string { return p.Relation }

func (p *AppPolicy) newPolicy(localApp, localNamespace string) (MeshPolicy, error) {
	policy := MeshPolicy{
		TargetKind:      PolicyTargetApp,
		TargetNamespace: localNamespace,
		Endpoints:       p.Endpoints,
	}

	// Exactly one of app name / service is set on the resolved record.
	if p.Service != "" {
		policy.TargetService = p.Service
	} else {
		policy.TargetAppName = localApp
	}

	// The template has no source identity yet; the complete record is
	// validated after resolution fills it in.
	return policy, nil
}

// UnitPolicy grants related applications direct access to this
// application's workload units. Unit policies are L4 only.
type UnitPolicy struct {
	// Relation is the name of the relation this rule is bound to.
	Relation string
	// Ports restricts access to the given ports. Empty means all ports.
	Ports []int
}

// RelationName returns the relation this rule is bound to.
func (p *UnitPolicy) RelationName() string { return p.Relation }

func (p *UnitPolicy) newPolicy(localApp, localNamespace string) (MeshPolicy, error) {
	policy := MeshPolicy{
		TargetKind:      PolicyTargetUnit,
		TargetAppName:   localApp,
		TargetNamespace: localNamespace,
		Endpoints:       []Endpoint{{Ports: p.Ports}},
	}
	return policy, nil
}

// PolicyTargetKind discriminates what a mesh policy targets: a logical
// service (any backing instance) or the workload units themselves.
type PolicyTargetKind string

const (
	PolicyTargetApp  PolicyTargetKind = "app"
	PolicyTargetUnit PolicyTargetKind = "unit"
)

// MeshPolicy is a fully resolved cross-application access rule: a source
// identity, a target identity and the endpoints the source may reach.
// Records are recomputed on every pass and never stored durably.
type MeshPolicy struct {
	// SourceAppName and SourceNamespace identify the application granted
	// access. Ignored when AnySource is set.
	SourceAppName   string `json:"source_app_name,omitempty"`
	SourceNamespace string `json:"source_namespace,omitempty"`
	// AnySource grants access to all sources instead of a single identity.
	AnySource bool `json:"any_source,omitempty"`

	// TargetAppName, TargetService and TargetSelector identify what the
	// policy applies to, subject to the per-kind constraints checked by
	// Validate.
	TargetAppName   string            `json:"target_app_name,omitempty"`
	TargetNamespace string            `json:"target_namespace"`
	TargetService   string            `json:"target_service,omitempty"`
	TargetSelector  map[string]string `json:"target_selector,omitempty"`
	TargetKind      PolicyTargetKind  `json:"target_kind"`

	Endpoints []Endpoint `json:"endpoints"`
}

// TargetName returns the name component identifying the policy target:
// the target application name when known, otherwise the target service.
func (p *MeshPolicy) TargetName() string {
	if p.TargetAppName != "" {
		return p.TargetAppName
	}
	return p.TargetService
}

// Validate checks the exclusive-field invariants of the record.
// Violations are configuration errors and are reported before the record
// is ever distributed or reconciled.
func (p *MeshPolicy) Validate() error {
	if !p.AnySource && (p.SourceAppName == "" || p.SourceNamespace == "") {
		return errors.New("source identity is required unless any_source is set")
	}

	if p.TargetNamespace == "" {
		return errors.New("target namespace is required")
	}

	switch p.TargetKind {
	case PolicyTargetApp:
		if len(p.TargetSelector) > 0 {
			return errors.New("app-targeted policy cannot set a target selector")
		}
		if (p.TargetAppName == "") == (p.TargetService == "") {
			return errors.New("app-targeted policy requires exactly one of target app name and target service")
		}
	case PolicyTargetUnit:
		if p.TargetService != "" {
			return errors.New("unit-targeted policy cannot set a target service")
		}
		if p.TargetAppName != "" && len(p.TargetSelector) > 0 {
			return errors.New("unit-targeted policy cannot set both target app name and target selector")
		}
		if p.TargetAppName == "" && len(p.TargetSelector) == 0 {
			return errors.New("unit-targeted policy requires a target app name or a target selector")
		}
	default:
		return fmt.Errorf("invalid target kind: %q", p.TargetKind)
	}

	return nil
}

// CMRData is the identity record published once per cross-domain relation
// by the side requiring mesh access, so that the resolving side can
// attribute policies to the real application identity instead of the
// relation-visible one.
type CMRData struct {
	AppName   string `json:"app_name"`
	ModelName string `json:"model_name"`
}

// BroadcastData is published by the policy provider to every bound
// relation: the labels a workload must carry to join the mesh, and the
// mesh implementation that will enforce the policies.
type BroadcastData struct {
	Labels   map[string]string `json:"labels"`
	MeshType MeshType          `json:"mesh_type"`
}
