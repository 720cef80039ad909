// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !linux

package heap

import "github.com/bytedance/gopkg/lang/dirtmake"

// Dedicated slabs live on the Go heap, pinned by the slab registry. The
// slab is handed out dirty; Clear decides whether it gets wiped.
func allocSlab(size int) ([]byte, bool, error) {
	return dirtmake.Bytes(size, size), false, nil
}

func freeSlab(buf []byte) error {
	_ = buf // dropped from the registry; the garbage collector reclaims it
	return nil
}
