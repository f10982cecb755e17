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

// Package cmd implements the sdbtreefs command-line entry point: flag and
// config-file parsing, and the mount subcommand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Options is the fully resolved set of flags/config values a mount is
// constructed from, per spec.md §6.
type Options struct {
	Mount      string
	Datadir    string
	Metadir    string
	Enclave    string
	Store      string
	Degree     int
	BlockSize  int
	Debug      bool
	Foreground bool
	LogLevel   string
}

var (
	cfgFile string
	opts    Options
)

var rootCmd = &cobra.Command{
	Use:   "sdbtreefs",
	Short: "Mount an encrypted, secure-delete-capable pass-through filesystem",
	Long: `sdbtreefs mounts a FUSE filesystem that encrypts file content
block-by-block under a key forest, so that a block's ciphertext becomes
permanently undecryptable the instant its key-tree entry is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(cmd.Context(), opts)
	},
}

// Execute runs the root command, exiting the process on error exactly as
// the teacher's own top-level command does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.Mount, "mount", "", "mount point")
	flags.StringVar(&opts.Datadir, "datadir", "", "directory the plaintext content is backed by")
	flags.StringVar(&opts.Metadir, "metadir", "", "directory the key-tree and namespace metadata live in")
	flags.StringVar(&opts.Enclave, "enclave", "", "path to the root-key enclave file")
	flags.StringVar(&opts.Store, "store", "dir", "key-node store backend: dir or bolt")
	flags.IntVar(&opts.Degree, "degree", 2, "key-tree branching factor")
	flags.IntVar(&opts.BlockSize, "block-size", 4096, "plaintext block size in bytes")
	flags.BoolVar(&opts.Debug, "debug", false, "enable trace-level logging")
	flags.BoolVar(&opts.Foreground, "foreground", false, "run in the foreground (accepted for compatibility; sdbtreefs never daemonizes)")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	_ = rootCmd.MarkPersistentFlagRequired("mount")
	_ = rootCmd.MarkPersistentFlagRequired("datadir")
	_ = rootCmd.MarkPersistentFlagRequired("metadir")
	_ = rootCmd.MarkPersistentFlagRequired("enclave")

	_ = viper.BindPFlags(flags)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "reading config file: %v\n", err)
		return
	}
	if err := viper.Unmarshal(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshaling config file: %v\n", err)
	}
}
