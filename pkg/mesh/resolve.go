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

// CrossModelState captures what the cross-domain relations have published
// so far: established identities keyed by the relation-visible remote
// application name, and the set of relations still pending publication.
type CrossModelState struct {
	published map[string]CMRData
	pending   map[string]struct{}
}

// NewCrossModelState reads the identity records published on the given
// cross-domain relations. A relation whose record is missing or malformed
// is considered pending; it will resolve on a later pass, once the partner
// publishes and triggers a new one.
func NewCrossModelState(relations RelationList, logger *logrus.Entry) *CrossModelState {
	state := &CrossModelState{
		published: map[string]CMRData{},
		pending:   map[string]struct{}{},
	}

	for _, relation := range relations {
		raw, ok := relation.RemoteValue(CMRDataKey)
		if !ok {
			state.pending[relation.RemoteApp] = struct{}{}
			continue
		}

		var data CMRData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			logger.Warnf("Malformed %s on relation %q with %q: %v.",
				CMRDataKey, relation.Name, relation.RemoteApp, err)
			state.pending[relation.RemoteApp] = struct{}{}
			continue
		}

		state.published[relation.RemoteApp] = data
	}

	return state
}

// Lookup returns the published identity for the given remote application.
func (s *CrossModelState) Lookup(remoteApp string) (CMRData, bool) {
	data, ok := s.published[remoteApp]
	return data, ok
}

// Pending returns true if a cross-domain relation exists for the given
// remote application but its identity record has not been published yet.
func (s *CrossModelState) Pending(remoteApp string) bool {
	_, ok := s.pending[remoteApp]
	return ok
}

// ResolvePolicies resolves the declared rules against the currently bound
// relations into canonical mesh policy records, one per (rule, relation
// instance) pair, in declaration order then relation-iteration order.
//
// The source identity of each record is the remote application of the
// relation instance. If a companion cross-domain relation has published an
// identity record for that application, the published (app, namespace)
// identity is used; otherwise the remote application is assumed to live in
// the local namespace. Instances whose cross-domain identity is pending
// are skipped for this pass.
func ResolvePolicies(
	relations RelationMap,
	localApp, localNamespace string,
	policies []DeclaredPolicy,
	crossModel *CrossModelState,
	logger *logrus.Entry,
) ([]MeshPolicy, error) {
	resolved := []MeshPolicy{}
	for _, declared := range policies {
		for _, relation := range relations[declared.RelationName()] {
			policy, err := declared.newPolicy(localApp, localNamespace)
			if err != nil {
				return nil, fmt.Errorf("invalid policy for relation %q: %w", declared.RelationName(), err)
			}

			if data, ok := crossModel.Lookup(relation.RemoteApp); ok {
				logger.Debugf("Resolved cross-domain source %q for relation %q.", data.AppName, relation.Name)
				policy.SourceAppName = data.AppName
				policy.SourceNamespace = data.ModelName
			} else if crossModel.Pending(relation.RemoteApp) {
				logger.Debugf("Cross-domain identity for %q not published yet; skipping.", relation.RemoteApp)
				continue
			} else {
				policy.SourceAppName = relation.RemoteApp
				policy.SourceNamespace = localNamespace
			}

			if err := policy.Validate(); err != nil {
				return nil, fmt.Errorf("invalid policy for relation %q: %w", declared.RelationName(), err)
			}

			resolved = append(resolved, policy)
		}
	}

	return resolved, nil
}
