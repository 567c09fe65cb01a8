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

package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}

func TestValidateRejectsMinExceedingMaxWorkers(t *testing.T) {
	c := Default()
	c.MinWorkers = c.MaxWorkers + 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when min_workers exceeds max_workers")
	}
}

func TestValidateRejectsRAMCapExceedingDiskCap(t *testing.T) {
	c := Default()
	c.RAMCap = c.DiskCap + 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when ram_cap exceeds disk_cap")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	c := Default()
	c.LogFileFormat = 9
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for out-of-range log_file_format")
	}
}
