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

package v1

import (
	"errors"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +kubebuilder:object:root=true

// AuthorizationPolicy enables access control on workloads in the mesh.
// Only the subset of the Istio schema produced by this project is modeled.
type AuthorizationPolicy struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec holds the access-control rules of the policy.
	Spec AuthorizationPolicySpec `json:"spec,omitempty"`
}

// Action specifies what to do when a rule matches the request.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// PolicyTargetReference binds a policy to a named object, such as a
// Service handled by a waypoint proxy.
type PolicyTargetReference struct {
	// Group is the API group of the target object.
	Group string `json:"group"`
	// Kind is the kind of the target object.
	Kind string `json:"kind"`
	// Name is the name of the target object.
	Name string `json:"name"`
	// Namespace of the target object; defaults to the policy namespace.
	Namespace string `json:"namespace,omitempty"`
}

// WorkloadSelector binds a policy to the workloads matching its labels.
type WorkloadSelector struct {
	// MatchLabels selects workloads carrying all the given labels.
	MatchLabels map[string]string `json:"matchLabels"`
}

// Source describes the peer a request originates from.
type Source struct {
	// Principals is a list of peer identities derived from the peer
	// certificate, of the form "cluster.local/ns/{namespace}/sa/{account}".
	Principals []string `json:"principals,omitempty"`
	// NotPrincipals is a list of negative-match peer identities.
	NotPrincipals []string `json:"notPrincipals,omitempty"`
}

// From wraps a request source match.
type From struct {
	// Source specifies the source of a request.
	Source Source `json:"source"`
}

// Operation describes how a request is matched on L4 and L7 attributes.
// An omitted field means unrestricted on that attribute, not denied.
type Operation struct {
	Hosts      []string `json:"hosts,omitempty"`
	NotHosts   []string `json:"notHosts,omitempty"`
	Ports      []string `json:"ports,omitempty"`
	Methods    []string `json:"methods,omitempty"`
	NotMethods []string `json:"notMethods,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	NotPaths   []string `json:"notPaths,omitempty"`
}

// To wraps a request operation match.
type To struct {
	// Operation specifies the operation of a request.
	Operation Operation `json:"operation"`
}

// Condition matches additional request attributes.
type Condition struct {
	// Key is the name of the attribute.
	Key string `json:"key"`
	// Values is a list of allowed values for the attribute.
	Values []string `json:"values,omitempty"`
	// NotValues is a list of negative-match values for the attribute.
	NotValues []string `json:"notValues,omitempty"`
}

// Rule matches requests from a set of sources performing a set of
// operations. An empty rule matches every request; an omitted From clause
// matches every source.
type Rule struct {
	From []From      `json:"from,omitempty"`
	To   []To        `json:"to,omitempty"`
	When []Condition `json:"when,omitempty"`
}

// AuthorizationPolicySpec contains the target and rules of a policy.
// At most one of TargetRefs and Selector may be set; if neither is set the
// policy applies to all workloads in its namespace.
type AuthorizationPolicySpec struct {
	// Action to take on matching requests. Defaults to ALLOW.
	Action Action `json:"action,omitempty"`
	// TargetRefs binds the policy to specific objects.
	TargetRefs []PolicyTargetReference `json:"targetRefs,omitempty"`
	// Selector binds the policy to workloads by label.
	Selector *WorkloadSelector `json:"selector,omitempty"`
	// Rules is the list of match rules. A request is allowed if any rule
	// matches it.
	Rules []Rule `json:"rules"`
}

// Validate checks that the spec does not bind to both a target reference
// and a workload selector.
func (s *AuthorizationPolicySpec) Validate() error {
	if len(s.TargetRefs) > 0 && s.Selector != nil {
		return errors.New("at most one of targetRefs and selector can be set")
	}
	return nil
}

// +kubebuilder:object:root=true

// AuthorizationPolicyList is a list of AuthorizationPolicy objects.
type AuthorizationPolicyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	// Items is the list of authorization policy objects.
	Items []AuthorizationPolicy `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AuthorizationPolicy{}, &AuthorizationPolicyList{})
}
