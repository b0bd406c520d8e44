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

package policyengine

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	securityv1 "github.com/meshbeacon-net/meshbeacon/pkg/apis/security.istio.io/v1"
	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

// defaultSelectorLabel is the label unit-targeted policies select on when
// no explicit selector is given.
const defaultSelectorLabel = "app.kubernetes.io/name"

// istioCompiler compiles mesh policies into Istio AuthorizationPolicy
// objects for an ambient mesh.
type istioCompiler struct {
	logger *logrus.Entry
}

func newIstioCompiler() *istioCompiler {
	return &istioCompiler{
		logger: logrus.WithField("component", "policyengine.istio"),
	}
}

// Compile returns one AuthorizationPolicy per input record, preserving
// input order. Unit-targeted records carrying L7 endpoint attributes are
// rejected with a warning and yield nil entries; records in the same batch
// are unaffected.
func (c *istioCompiler) Compile(owner Owner, policies []mesh.MeshPolicy) []client.Object {
	objects := make([]client.Object, len(policies))
	for i := range policies {
		policy := &policies[i]

		var spec *securityv1.AuthorizationPolicySpec
		switch policy.TargetKind {
		case mesh.PolicyTargetUnit:
			spec = c.compileUnitPolicy(policy)
		case mesh.PolicyTargetApp:
			spec = c.compileAppPolicy(policy)
		default:
			c.logger.Warnf("Policy from %q has unknown target kind %q; skipping.",
				policy.SourceAppName, policy.TargetKind)
		}
		if spec == nil {
			continue
		}

		objects[i] = &securityv1.AuthorizationPolicy{
			TypeMeta: metav1.TypeMeta{
				APIVersion: securityv1.GroupVersion.String(),
				Kind:       "AuthorizationPolicy",
			},
			ObjectMeta: metav1.ObjectMeta{
				Name:      ObjectName(owner, policy),
				Namespace: owner.Namespace,
			},
			Spec: *spec,
		}
	}

	return objects
}

// compileUnitPolicy builds an L4 policy bound to workloads by label. The
// policy selects on the explicit target selector if set, otherwise on the
// default label derived from the target application name.
func (c *istioCompiler) compileUnitPolicy(policy *mesh.MeshPolicy) *securityv1.AuthorizationPolicySpec {
	for i := range policy.Endpoints {
		if policy.Endpoints[i].HasL7Attributes() {
			c.logger.Warnf(
				"Unit-targeted policy from %q to %q carries hosts/methods/paths; not created.",
				policy.SourceAppName, policy.TargetName())
			return nil
		}
	}

	selector := policy.TargetSelector
	if len(selector) == 0 {
		selector = map[string]string{defaultSelectorLabel: policy.TargetAppName}
	}

	return &securityv1.AuthorizationPolicySpec{
		Selector: &securityv1.WorkloadSelector{MatchLabels: selector},
		Rules:    []securityv1.Rule{c.compileRule(policy, false)},
	}
}

// compileAppPolicy builds a policy bound to the target service, enforced
// by the waypoint proxy, which can also match L7 attributes.
func (c *istioCompiler) compileAppPolicy(policy *mesh.MeshPolicy) *securityv1.AuthorizationPolicySpec {
	target := policy.TargetService
	if target == "" {
		target = policy.TargetAppName
	}

	return &securityv1.AuthorizationPolicySpec{
		TargetRefs: []securityv1.PolicyTargetReference{{
			Group: "",
			Kind:  "Service",
			Name:  target,
		}},
		Rules: []securityv1.Rule{c.compileRule(policy, true)},
	}
}

// compileRule builds the single allow rule of a policy. An any-source
// record omits the from clause entirely, matching every source. Omitted
// operation fields mean unrestricted, not denied.
func (c *istioCompiler) compileRule(policy *mesh.MeshPolicy, l7 bool) securityv1.Rule {
	rule := securityv1.Rule{}
	if !policy.AnySource {
		rule.From = []securityv1.From{{
			Source: securityv1.Source{
				Principals: []string{
					PeerIdentity(policy.SourceAppName, policy.SourceNamespace),
				},
			},
		}}
	}

	for i := range policy.Endpoints {
		endpoint := &policy.Endpoints[i]
		operation := securityv1.Operation{
			Ports: portStrings(endpoint.Ports),
		}
		if l7 {
			operation.Hosts = endpoint.Hosts
			operation.Methods = methodStrings(endpoint.Methods)
			operation.Paths = endpoint.Paths
		}
		rule.To = append(rule.To, securityv1.To{Operation: operation})
	}

	return rule
}

// PeerIdentity returns the principal string identifying an application:
// "cluster.local/ns/{namespace}/sa/{service-account}". It relies on the
// convention that each application runs under a service account of the
// same name in its own namespace.
func PeerIdentity(appName, namespace string) string {
	return fmt.Sprintf("cluster.local/ns/%s/sa/%s", namespace, appName)
}

func portStrings(ports []int) []string {
	if len(ports) == 0 {
		return nil
	}
	out := make([]string, len(ports))
	for i, port := range ports {
		out[i] = strconv.Itoa(port)
	}
	return out
}

func methodStrings(methods []mesh.Method) []string {
	if len(methods) == 0 {
		return nil
	}
	out := make([]string, len(methods))
	for i, method := range methods {
		out[i] = string(method)
	}
	return out
}
