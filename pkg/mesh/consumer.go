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

package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Consumer implements the requirer side of the service-mesh protocol for
// an application joining a mesh: it resolves the application's declared
// rules into mesh policies and publishes them on the service-mesh
// relation, publishes the application's identity on cross-domain
// relations, and reads the provider's join-label broadcast.
//
// The consumer performs no I/O beyond the relation data bags it is handed;
// applying the broadcast labels to workload objects is the caller's
// business (typically via the platform label reconciler).
type Consumer struct {
	localApp       string
	localNamespace string
	policies       []DeclaredPolicy

	logger *logrus.Entry
}

// NewConsumer returns a consumer for the given local application identity
// and its declared access rules. Rule shape errors surface on the first
// publication attempt, before anything is distributed.
func NewConsumer(localApp, localNamespace string, policies []DeclaredPolicy) *Consumer {
	return &Consumer{
		localApp:       localApp,
		localNamespace: localNamespace,
		policies:       policies,
		logger:         logrus.WithField("component", "mesh.consumer"),
	}
}

// UpdateServiceMesh resolves the declared rules against the currently
// bound relations and publishes the full resolved list on the service-mesh
// relation's local data, replacing any previous publication. A nil
// meshRelation (not related to any mesh yet) is a no-op.
func (c *Consumer) UpdateServiceMesh(
	meshRelation *Relation,
	relations RelationMap,
	crossModelProvides RelationList,
) error {
	if meshRelation == nil {
		return nil
	}
	c.logger.Debug("Updating service mesh policies.")

	crossModel := NewCrossModelState(crossModelProvides, c.logger)
	policies, err := ResolvePolicies(relations, c.localApp, c.localNamespace, c.policies, crossModel, c.logger)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("cannot encode policies: %w", err)
	}

	meshRelation.SetLocal(PoliciesKey, string(encoded))
	return nil
}

// PublishIdentity publishes this application's identity record on a
// cross-domain relation where the local side requires mesh access. The
// record is published once per relation and never changes.
func (c *Consumer) PublishIdentity(relation *Relation) error {
	encoded, err := json.Marshal(CMRData{
		AppName:   c.localApp,
		ModelName: c.localNamespace,
	})
	if err != nil {
		return fmt.Errorf("cannot encode identity record: %w", err)
	}

	relation.SetLocal(CMRDataKey, string(encoded))
	return nil
}

// Broadcast returns the provider's join-label broadcast from the
// service-mesh relation, or nil if the provider has not published yet.
// A missing broadcast is not an error: it is retried naturally when the
// provider's publication triggers a new pass.
func (c *Consumer) Broadcast(meshRelation *Relation) (*BroadcastData, error) {
	if meshRelation == nil {
		return nil, nil
	}

	raw, ok := meshRelation.RemoteValue(LabelsKey)
	if !ok {
		return nil, nil
	}

	labels := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("cannot decode mesh labels: %w", err)
	}

	meshType, _ := meshRelation.RemoteValue(MeshTypeKey)
	return &BroadcastData{
		Labels:   labels,
		MeshType: MeshType(meshType),
	}, nil
}
