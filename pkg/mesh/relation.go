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

// Data keys exchanged over the relation channels.
const (
	// PoliciesKey holds the JSON-encoded list of resolved mesh policies,
	// published by the requirer side of a service-mesh relation.
	PoliciesKey = "policies"
	// LabelsKey holds the JSON-encoded mesh join labels, published by the
	// provider side of a service-mesh relation.
	LabelsKey = "labels"
	// MeshTypeKey holds the mesh implementation tag, published alongside
	// the join labels.
	MeshTypeKey = "mesh_type"
	// CMRDataKey holds the JSON-encoded cross-domain identity record,
	// published by the requirer side of a cross-model-mesh relation.
	CMRDataKey = "cmr_data"
)

// Relation is one bound instance of a named relation to a remote
// application. Local holds application-scoped data written by the local
// side; Remote holds data written by the remote side. The hosting event
// loop owns relation lifecycle and hands the current instances to each
// reconciliation pass.
type Relation struct {
	// Name of the relation, as declared by the local application.
	Name string `json:"name"`
	// RemoteApp is the relation-visible name of the remote application.
	// For cross-domain relations this may be an anonymized placeholder.
	RemoteApp string `json:"remote_app"`
	// Local is the application-scoped data bag written by the local side.
	Local map[string]string `json:"local,omitempty"`
	// Remote is the application-scoped data bag written by the remote side.
	Remote map[string]string `json:"remote,omitempty"`
}

// SetLocal writes a key on the local application data bag.
func (r *Relation) SetLocal(key, value string) {
	if r.Local == nil {
		r.Local = map[string]string{}
	}
	r.Local[key] = value
}

// RemoteValue reads a key from the remote application data bag.
func (r *Relation) RemoteValue(key string) (string, bool) {
	value, ok := r.Remote[key]
	return value, ok
}

// RelationList is the ordered bound instances of one relation name.
type RelationList []*Relation

// RelationMap maps a relation name to its bound instances. Instance order
// is owned by the hosting event loop and must be stable across passes:
// policy resolution iterates it and downstream consumers may rely on the
// resulting record order for display and debugging.
type RelationMap map[string]RelationList
