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

package mesh_test

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

func TestMeshPolicyValidate(t *testing.T) {
	valid := mesh.MeshPolicy{
		SourceAppName:   "sender",
		SourceNamespace: "ns1",
		TargetAppName:   "receiver",
		TargetNamespace: "ns2",
		TargetKind:      mesh.PolicyTargetApp,
	}
	require.NoError(t, valid.Validate())

	// Missing source identity.
	policy := valid
	policy.SourceAppName = ""
	require.Error(t, policy.Validate())

	// Source identity not needed when any_source is set.
	policy = valid
	policy.SourceAppName = ""
	policy.SourceNamespace = ""
	policy.AnySource = true
	require.NoError(t, policy.Validate())

	// Target namespace is always required.
	policy = valid
	policy.TargetNamespace = ""
	require.Error(t, policy.Validate())

	// An app-targeted policy names exactly one of app and service.
	policy = valid
	policy.TargetService = "receiver-svc"
	require.Error(t, policy.Validate())
	policy.TargetAppName = ""
	require.NoError(t, policy.Validate())
	policy.TargetService = ""
	require.Error(t, policy.Validate())

	// App-targeted policies cannot carry a selector.
	policy = valid
	policy.TargetSelector = map[string]string{"app": "receiver"}
	require.Error(t, policy.Validate())

	// A unit-targeted policy cannot name a service, and carries either an
	// app name or a selector but not both.
	policy = valid
	policy.TargetKind = mesh.PolicyTargetUnit
	require.NoError(t, policy.Validate())
	policy.TargetService = "receiver-svc"
	require.Error(t, policy.Validate())
	policy.TargetService = ""
	policy.TargetSelector = map[string]string{"app": "receiver"}
	require.Error(t, policy.Validate())
	policy.TargetAppName = ""
	require.NoError(t, policy.Validate())
	policy.TargetSelector = nil
	require.Error(t, policy.Validate())

	// Unknown target kinds are rejected.
	policy = valid
	policy.TargetKind = "pod"
	require.Error(t, policy.Validate())
}

func TestEndpointL7Attributes(t *testing.T) {
	require.False(t, (&mesh.Endpoint{}).HasL7Attributes())
	require.False(t, (&mesh.Endpoint{Ports: []int{8080}}).HasL7Attributes())
	require.True(t, (&mesh.Endpoint{Paths: []string{"/data"}}).HasL7Attributes())
	require.True(t, (&mesh.Endpoint{Methods: []mesh.Method{mesh.MethodGet}}).HasL7Attributes())
	require.True(t, (&mesh.Endpoint{Hosts: []string{"svc"}}).HasL7Attributes())
}

// Declared rules carry no source identity until resolution binds them to
// a relation instance; resolving them against bound relations must yield
// complete, valid records rather than failing on the unfilled template.
func TestResolvePoliciesDeclaredRules(t *testing.T) {
	logger := logrus.WithField("component", "test")

	relations := mesh.RelationMap{
		"ingress":          {{Name: "ingress", RemoteApp: "sender"}},
		"metrics-endpoint": {{Name: "metrics-endpoint", RemoteApp: "scraper"}},
	}
	declared := []mesh.DeclaredPolicy{
		&mesh.AppPolicy{Relation: "ingress", Endpoints: []mesh.Endpoint{{Ports: []int{8080}}}},
		&mesh.UnitPolicy{Relation: "metrics-endpoint", Ports: []int{15090}},
	}

	resolved, err := mesh.ResolvePolicies(relations, "receiver", "local-ns", declared,
		mesh.NewCrossModelState(nil, logger), logger)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	require.Equal(t, "sender", resolved[0].SourceAppName)
	require.Equal(t, mesh.PolicyTargetApp, resolved[0].TargetKind)
	require.Equal(t, "scraper", resolved[1].SourceAppName)
	require.Equal(t, mesh.PolicyTargetUnit, resolved[1].TargetKind)
	for _, policy := range resolved {
		require.NoError(t, policy.Validate())
	}
}

// TestConsumerPublishesPolicies covers the requirer-side flow end to end:
// a receiver declaring one app rule, related to a same-domain sender and
// to a cross-domain sender whose real identity arrives over a companion
// relation.
func TestConsumerPublishesPolicies(t *testing.T) {
	meshRelation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}

	sameDomain := &mesh.Relation{Name: "ingress", RemoteApp: "sender-x"}
	crossDomain := &mesh.Relation{Name: "ingress", RemoteApp: "remote-abc123"}

	cmr := &mesh.Relation{
		Name:      "provide-cmr-mesh",
		RemoteApp: "remote-abc123",
		Remote: map[string]string{
			mesh.CMRDataKey: `{"app_name": "real-sender", "model_name": "remote-ns"}`,
		},
	}

	consumer := mesh.NewConsumer("receiver", "local-ns", []mesh.DeclaredPolicy{
		&mesh.AppPolicy{
			Relation:  "ingress",
			Endpoints: []mesh.Endpoint{{Ports: []int{8080}}},
		},
	})

	relations := mesh.RelationMap{"ingress": {sameDomain, crossDomain}}
	err := consumer.UpdateServiceMesh(meshRelation, relations, []*mesh.Relation{cmr})
	require.NoError(t, err)

	var published []mesh.MeshPolicy
	err = json.Unmarshal([]byte(meshRelation.Local[mesh.PoliciesKey]), &published)
	require.NoError(t, err)
	require.Len(t, published, 2)

	require.Equal(t, "sender-x", published[0].SourceAppName)
	require.Equal(t, "local-ns", published[0].SourceNamespace)
	require.Equal(t, "real-sender", published[1].SourceAppName)
	require.Equal(t, "remote-ns", published[1].SourceNamespace)

	for _, policy := range published {
		require.Equal(t, mesh.PolicyTargetApp, policy.TargetKind)
		require.Equal(t, "receiver", policy.TargetAppName)
		require.Equal(t, "local-ns", policy.TargetNamespace)
		require.Equal(t, []mesh.Endpoint{{Ports: []int{8080}}}, policy.Endpoints)
	}
}

func TestConsumerSkipsPendingCrossDomainIdentity(t *testing.T) {
	meshRelation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}
	crossDomain := &mesh.Relation{Name: "ingress", RemoteApp: "remote-abc123"}

	// Companion relation exists but the partner has not published yet.
	cmr := &mesh.Relation{Name: "provide-cmr-mesh", RemoteApp: "remote-abc123"}

	consumer := mesh.NewConsumer("receiver", "local-ns", []mesh.DeclaredPolicy{
		&mesh.AppPolicy{Relation: "ingress"},
	})

	relations := mesh.RelationMap{"ingress": {crossDomain}}
	err := consumer.UpdateServiceMesh(meshRelation, relations, []*mesh.Relation{cmr})
	require.NoError(t, err)

	var published []mesh.MeshPolicy
	err = json.Unmarshal([]byte(meshRelation.Local[mesh.PoliciesKey]), &published)
	require.NoError(t, err)
	require.Empty(t, published)
}

func TestConsumerServiceTarget(t *testing.T) {
	meshRelation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}
	relations := mesh.RelationMap{"ingress": {{Name: "ingress", RemoteApp: "sender"}}}

	consumer := mesh.NewConsumer("receiver", "local-ns", []mesh.DeclaredPolicy{
		&mesh.AppPolicy{Relation: "ingress", Service: "receiver-lb"},
	})

	err := consumer.UpdateServiceMesh(meshRelation, relations, nil)
	require.NoError(t, err)

	var published []mesh.MeshPolicy
	require.NoError(t, json.Unmarshal([]byte(meshRelation.Local[mesh.PoliciesKey]), &published))
	require.Len(t, published, 1)
	require.Equal(t, "receiver-lb", published[0].TargetService)
	require.Empty(t, published[0].TargetAppName)
}

func TestConsumerUnitPolicy(t *testing.T) {
	meshRelation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}
	relations := mesh.RelationMap{"metrics-endpoint": {{Name: "metrics-endpoint", RemoteApp: "scraper"}}}

	consumer := mesh.NewConsumer("receiver", "local-ns", []mesh.DeclaredPolicy{
		&mesh.UnitPolicy{Relation: "metrics-endpoint", Ports: []int{15090}},
	})

	err := consumer.UpdateServiceMesh(meshRelation, relations, nil)
	require.NoError(t, err)

	var published []mesh.MeshPolicy
	require.NoError(t, json.Unmarshal([]byte(meshRelation.Local[mesh.PoliciesKey]), &published))
	require.Len(t, published, 1)
	require.Equal(t, mesh.PolicyTargetUnit, published[0].TargetKind)
	require.Equal(t, "receiver", published[0].TargetAppName)
	require.Equal(t, []mesh.Endpoint{{Ports: []int{15090}}}, published[0].Endpoints)
}

func TestConsumerNoMeshRelation(t *testing.T) {
	consumer := mesh.NewConsumer("receiver", "local-ns", nil)
	require.NoError(t, consumer.UpdateServiceMesh(nil, nil, nil))
}

func TestConsumerRepublishReplacesPolicies(t *testing.T) {
	meshRelation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}
	consumer := mesh.NewConsumer("receiver", "local-ns", []mesh.DeclaredPolicy{
		&mesh.AppPolicy{Relation: "ingress"},
	})

	relations := mesh.RelationMap{"ingress": {{Name: "ingress", RemoteApp: "sender"}}}
	require.NoError(t, consumer.UpdateServiceMesh(meshRelation, relations, nil))

	// The relation went away: the next pass publishes an empty list, not
	// a stale one.
	require.NoError(t, consumer.UpdateServiceMesh(meshRelation, mesh.RelationMap{}, nil))

	var published []mesh.MeshPolicy
	require.NoError(t, json.Unmarshal([]byte(meshRelation.Local[mesh.PoliciesKey]), &published))
	require.Empty(t, published)
}

func TestConsumerPublishIdentity(t *testing.T) {
	relation := &mesh.Relation{Name: "require-cmr-mesh", RemoteApp: "remote-beacon"}

	consumer := mesh.NewConsumer("receiver", "local-ns", nil)
	require.NoError(t, consumer.PublishIdentity(relation))

	var data mesh.CMRData
	require.NoError(t, json.Unmarshal([]byte(relation.Local[mesh.CMRDataKey]), &data))
	require.Equal(t, mesh.CMRData{AppName: "receiver", ModelName: "local-ns"}, data)
}

func TestConsumerBroadcast(t *testing.T) {
	consumer := mesh.NewConsumer("receiver", "local-ns", nil)

	// Not related yet.
	broadcast, err := consumer.Broadcast(nil)
	require.NoError(t, err)
	require.Nil(t, broadcast)

	// Related, provider not published yet.
	relation := &mesh.Relation{Name: "service-mesh", RemoteApp: "beacon"}
	broadcast, err = consumer.Broadcast(relation)
	require.NoError(t, err)
	require.Nil(t, broadcast)

	relation.Remote = map[string]string{
		mesh.LabelsKey:   `{"istio.io/dataplane-mode": "ambient"}`,
		mesh.MeshTypeKey: "istio",
	}
	broadcast, err = consumer.Broadcast(relation)
	require.NoError(t, err)
	require.Equal(t, mesh.MeshTypeIstio, broadcast.MeshType)
	require.Equal(t, map[string]string{"istio.io/dataplane-mode": "ambient"}, broadcast.Labels)

	relation.Remote[mesh.LabelsKey] = "not json"
	_, err = consumer.Broadcast(relation)
	require.Error(t, err)
}

func TestProviderBroadcast(t *testing.T) {
	provider := mesh.NewProvider(map[string]string{"istio.io/use-waypoint": "wp"}, mesh.MeshTypeIstio)

	relations := []*mesh.Relation{
		{Name: "service-mesh", RemoteApp: "app-a"},
		{Name: "service-mesh", RemoteApp: "app-b"},
	}
	require.NoError(t, provider.UpdateRelations(relations))

	for _, relation := range relations {
		require.Equal(t, "istio", relation.Local[mesh.MeshTypeKey])
		var labels map[string]string
		require.NoError(t, json.Unmarshal([]byte(relation.Local[mesh.LabelsKey]), &labels))
		require.Equal(t, map[string]string{"istio.io/use-waypoint": "wp"}, labels)
	}
}

func TestProviderMeshInfo(t *testing.T) {
	provider := mesh.NewProvider(nil, mesh.MeshTypeIstio)

	policy := mesh.MeshPolicy{
		SourceAppName:   "sender",
		SourceNamespace: "ns1",
		TargetAppName:   "receiver",
		TargetNamespace: "ns2",
		TargetKind:      mesh.PolicyTargetApp,
	}
	encoded, err := json.Marshal([]mesh.MeshPolicy{policy})
	require.NoError(t, err)

	invalid := policy
	invalid.TargetNamespace = ""
	mixed, err := json.Marshal([]mesh.MeshPolicy{invalid, policy})
	require.NoError(t, err)

	relations := []*mesh.Relation{
		// Published twice over separate relations: both copies survive.
		{Name: "service-mesh", RemoteApp: "app-a", Remote: map[string]string{mesh.PoliciesKey: string(encoded)}},
		{Name: "service-mesh", RemoteApp: "app-b", Remote: map[string]string{mesh.PoliciesKey: string(encoded)}},
		// Not published yet: skipped silently.
		{Name: "service-mesh", RemoteApp: "app-c"},
		// Malformed publication: skipped with a warning.
		{Name: "service-mesh", RemoteApp: "app-d", Remote: map[string]string{mesh.PoliciesKey: "not json"}},
		// Invalid records are dropped individually, valid siblings kept.
		{Name: "service-mesh", RemoteApp: "app-e", Remote: map[string]string{mesh.PoliciesKey: string(mixed)}},
	}

	aggregated := provider.MeshInfo(relations)
	require.Len(t, aggregated, 3)
	for _, got := range aggregated {
		require.Equal(t, policy, got)
	}
}
