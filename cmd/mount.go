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
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"

	"github.com/lemosyne/sdbtreefs/internal/cipher"
	"github.com/lemosyne/sdbtreefs/internal/enclave"
	sdbfs "github.com/lemosyne/sdbtreefs/internal/fs"
	"github.com/lemosyne/sdbtreefs/internal/keytree/storage"
	"github.com/lemosyne/sdbtreefs/internal/logger"
	"github.com/lemosyne/sdbtreefs/internal/passthrough"
)

// runMount builds every component (C1-C9 + enclave + pass-through) and
// mounts the resulting filesystem, blocking until it is unmounted. It
// mirrors the teacher's own mountWithStorageHandle: build the dependency
// graph, build a server config, mount, wait.
func runMount(ctx context.Context, opts Options) error {
	logger.Init(opts.Debug)
	if !opts.Debug && opts.LogLevel != "" {
		if err := logger.SetLevel(opts.LogLevel); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", opts.LogLevel, err)
		}
	}
	log := logger.For("cmd")

	for _, dir := range []string{opts.Datadir, opts.Metadir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	backend, err := passthrough.NewOS(opts.Datadir)
	if err != nil {
		return fmt.Errorf("passthrough.NewOS: %w", err)
	}

	store, err := newStore(opts)
	if err != nil {
		return fmt.Errorf("build key-node store: %w", err)
	}

	cap := cipher.NewAESCTR()
	enc, err := enclave.Open(afero.NewOsFs(), opts.Enclave, cap.KeyLen())
	if err != nil {
		return fmt.Errorf("enclave.Open: %w", err)
	}

	cfg := sdbfs.Config{
		BlockSize: opts.BlockSize,
		Degree:    opts.Degree,
		Metadir:   opts.Metadir,
	}
	fsys, err := sdbfs.New(cfg, cap, store, afero.NewOsFs(), backend, enc)
	if err != nil {
		return fmt.Errorf("fs.New: %w", err)
	}

	loadable, err := fsys.IsLoadable()
	if err != nil {
		return fmt.Errorf("fs.IsLoadable: %w", err)
	}
	if loadable {
		log.Info("recovering persisted key forest and namespace")
		if err := fsys.Load(); err != nil {
			return fmt.Errorf("fs.Load: %w", err)
		}
	} else {
		log.Info("starting a fresh mount")
	}

	mountOpts := &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "sdbtreefs",
			Name:       "sdbtreefs",
			Debug:      opts.Debug,
			AllowOther: false,
		},
	}

	log.WithField("mountpoint", opts.Mount).Info("mounting")
	server, err := gofuse.Mount(opts.Mount, fsys.Root(), mountOpts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, unmounting")
		if err := fsys.Persist(); err != nil {
			log.WithError(err).Error("persist on shutdown")
		}
		_ = server.Unmount()
	}()

	server.Wait()
	return nil
}

// newStore builds the key-node store --store selects: "dir" (one file per
// node under metadir/tree, the default) or "bolt" (every node in a single
// bbolt database file), the two interchangeable C2 backends SPEC_FULL §2
// names.
func newStore(opts Options) (storage.Store, error) {
	switch opts.Store {
	case "", "dir":
		return storage.NewOSDirStore(filepath.Join(opts.Metadir, "tree"))
	case "bolt":
		return storage.NewBoltStore(filepath.Join(opts.Metadir, "tree.bolt"))
	default:
		return nil, fmt.Errorf("unknown --store %q (want dir or bolt)", opts.Store)
	}
}
