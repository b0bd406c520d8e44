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

package k8s

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxLabelValueLength is the Kubernetes label value limit. Names built by
// LabelSafeName are also used as label values, so they must fit it.
const maxLabelValueLength = 63

// LabelSafeName joins the given parts with dashes into a name that is safe
// to use as a Kubernetes label value. Names exceeding the limit are
// truncated with a short content hash appended, so distinct long inputs
// still map to distinct names.
func LabelSafeName(parts ...string) string {
	name := strings.Join(parts, "-")
	if len(name) <= maxLabelValueLength {
		return name
	}

	digest := sha256.Sum256([]byte(name))
	suffix := "-" + hex.EncodeToString(digest[:])[:6]
	return name[:maxLabelValueLength-len(suffix)] + suffix
}
