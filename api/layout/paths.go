// Copyright 2024 The Tessera authors. All Rights Reserved.
//
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

// Package layout computes the object keys used by checkpoint storage
// backends (the local filesystem and object-store variants), so that the
// wire layout stays identical across every backend and across the relayer
// and validator binaries that share it.
package layout

import "fmt"

const (
	// LatestIndexPath is the well-known object holding the most recently
	// written checkpoint index, as a JSON {"value": N} document.
	LatestIndexPath = "index.json"
)

// IndexPath returns the path at which the signed checkpoint for the given
// index is stored, relative to a backend's configured prefix.
func IndexPath(index uint32) string {
	return fmt.Sprintf("%d.json", index)
}
