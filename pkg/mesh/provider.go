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

// Provider implements the provider side of the service-mesh protocol for
// the application operating the mesh: it broadcasts the join labels and
// mesh implementation tag to every bound relation, and aggregates the
// policy lists published by all requirers.
type Provider struct {
	labels   map[string]string
	meshType MeshType

	logger *logrus.Entry
}

// NewProvider returns a provider broadcasting the given join labels and
// mesh implementation tag.
func NewProvider(labels map[string]string, meshType MeshType) *Provider {
	return &Provider{
		labels:   labels,
		meshType: meshType,
		logger:   logrus.WithField("component", "mesh.provider"),
	}
}

// UpdateRelations publishes the broadcast record on every bound relation.
// All recipients get identical data.
func (p *Provider) UpdateRelations(relations RelationList) error {
	encoded, err := json.Marshal(p.labels)
	if err != nil {
		return fmt.Errorf("cannot encode mesh labels: %w", err)
	}

	for _, relation := range relations {
		relation.SetLocal(LabelsKey, string(encoded))
		relation.SetLocal(MeshTypeKey, string(p.meshType))
	}

	return nil
}

// MeshInfo aggregates the policy lists published by every bound relation,
// concatenated in relation-iteration order. Duplicate records arriving via
// different relations are preserved as separate entries. A relation with
// missing data is skipped silently (the requirer has not published yet);
// malformed data and invalid records are skipped with a warning, so a
// single misbehaving requirer cannot poison the whole pass.
func (p *Provider) MeshInfo(relations RelationList) []MeshPolicy {
	aggregated := []MeshPolicy{}
	for _, relation := range relations {
		raw, ok := relation.RemoteValue(PoliciesKey)
		if !ok {
			continue
		}

		var policies []MeshPolicy
		if err := json.Unmarshal([]byte(raw), &policies); err != nil {
			p.logger.Warnf("Malformed %s on relation %q with %q: %v.",
				PoliciesKey, relation.Name, relation.RemoteApp, err)
			continue
		}

		for _, policy := range policies {
			if err := policy.Validate(); err != nil {
				p.logger.Warnf("Invalid policy from %q: %v.", relation.RemoteApp, err)
				continue
			}
			aggregated = append(aggregated, policy)
		}
	}

	return aggregated
}
