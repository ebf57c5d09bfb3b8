// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")

	require.NoError(t, WritePIDFile(path, 37777))

	pf, err := ReadPIDFile(path)
	require.NoError(t, err)
	require.NotNil(t, pf)
	assert.Equal(t, os.Getpid(), pf.PID)
	assert.Equal(t, 37777, pf.Port)
	assert.NotEmpty(t, pf.StartedAt)

	require.NoError(t, RemovePIDFile(path))
	pf, err = ReadPIDFile(path)
	require.NoError(t, err)
	assert.Nil(t, pf)

	// Removing again is fine.
	require.NoError(t, RemovePIDFile(path))
}

func TestReadPIDFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := ReadPIDFile(path)
	assert.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
	// PIDs beyond the kernel maximum cannot be alive.
	assert.False(t, ProcessAlive(1<<30))
}
