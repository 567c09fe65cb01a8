// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package main

import "testing"

func TestDropPrivilegesNoopForEmptyUsername(t *testing.T) {
	if err := dropPrivileges(""); err != nil {
		t.Fatalf("dropPrivileges(\"\") = %v, want nil", err)
	}
}

func TestDropPrivilegesNoopWhenNotRoot(t *testing.T) {
	// The test runner is virtually never uid 0; dropPrivileges must not
	// attempt a setuid call (and fail) when this process isn't root.
	if err := dropPrivileges("nobody"); err != nil {
		t.Fatalf("dropPrivileges(\"nobody\") as non-root = %v, want nil", err)
	}
}
