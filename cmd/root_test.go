// Copyright 2024 The SDBTreeFS Authors.
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

package cmd

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestFlagParsingSetsOptions(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		actualFn func() any
		expected any
	}{
		{
			name:     "degree defaults to 2",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc"},
			actualFn: func() any { return opts.Degree },
			expected: 2,
		},
		{
			name:     "degree override",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc", "--degree=8"},
			actualFn: func() any { return opts.Degree },
			expected: 8,
		},
		{
			name:     "debug flag",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc", "--debug"},
			actualFn: func() any { return opts.Debug },
			expected: true,
		},
		{
			name:     "block size override",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc", "--block-size=8192"},
			actualFn: func() any { return opts.BlockSize },
			expected: 8192,
		},
		{
			name:     "store defaults to dir",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc"},
			actualFn: func() any { return opts.Store },
			expected: "dir",
		},
		{
			name:     "store override",
			args:     []string{"--mount=/mnt", "--datadir=/data", "--metadir=/meta", "--enclave=/enc", "--store=bolt"},
			actualFn: func() any { return opts.Store },
			expected: "bolt",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resetFlagsToDefaults(t)
			require.NoError(t, rootCmd.PersistentFlags().Parse(tc.args))
			require.Equal(t, tc.expected, tc.actualFn())
		})
	}
}

// resetFlagsToDefaults restores every persistent flag (and the Options it
// writes into) to its registered default, so each test case parses from a
// clean slate regardless of execution order.
func resetFlagsToDefaults(t *testing.T) {
	t.Helper()
	opts = Options{}
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	})
}
