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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

const (
	// maxObjectNameLength is the Kubernetes object name limit.
	maxObjectNameLength = 253
	// truncatedComponentLength is the per-component budget applied when a
	// name exceeds the limit. Application and namespace names are each
	// bounded at 63 characters, so truncated identity components plus the
	// static text and hash always fit.
	truncatedComponentLength = 30
	// nameHashLength is the length of the content-hash suffix.
	nameHashLength = 8
)

// ObjectName returns the deterministic name for the enforcement object
// compiled from the given policy:
//
//	{owner-app}-{owner-ns}-policy-{source-app}-{source-ns}-{target-app}-{hash}
//
// The hash covers the full canonical record, so repeated compilation of
// unchanged inputs is name-stable and any content change alters the
// suffix. Identity components are truncated when the assembled name would
// exceed the Kubernetes name-length limit; the hash suffix is always kept
// intact so uniqueness is preserved.
func ObjectName(owner Owner, policy *mesh.MeshPolicy) string {
	hash := hashPolicy(policy)[:nameHashLength]

	name := joinNameParts(owner, policy, hash, 0)
	if len(name) > maxObjectNameLength {
		name = joinNameParts(owner, policy, hash, truncatedComponentLength)
	}
	if len(name) > maxObjectNameLength {
		// Shorter composite: drop the identity components entirely. The
		// hash still distinguishes policies from the same owner.
		name = strings.Join([]string{
			truncate(owner.App, truncatedComponentLength),
			truncate(owner.Namespace, truncatedComponentLength),
			"policy",
			hash,
		}, "-")
	}
	return name
}

func joinNameParts(owner Owner, policy *mesh.MeshPolicy, hash string, limit int) string {
	parts := []string{owner.App, owner.Namespace, "policy"}
	if policy.AnySource {
		parts = append(parts, "all-sources")
	} else {
		parts = append(parts,
			truncate(policy.SourceAppName, limit),
			truncate(policy.SourceNamespace, limit))
	}
	parts = append(parts, truncate(policy.TargetName(), limit), hash)
	return strings.Join(parts, "-")
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// hashPolicy returns the hex digest of the canonical JSON encoding of the
// record. Non-semantic data never enters the encoding, so cosmetic changes
// do not move objects to new names.
func hashPolicy(policy *mesh.MeshPolicy) string {
	encoded, err := json.Marshal(policy)
	if err != nil {
		// A MeshPolicy is plain data; it always encodes.
		panic(err)
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:])
}
