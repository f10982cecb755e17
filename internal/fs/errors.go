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

package fs

import (
	"errors"
	"os"
	"syscall"

	"github.com/lemosyne/sdbtreefs/internal/enclave"
	"github.com/lemosyne/sdbtreefs/internal/fileview"
	"github.com/lemosyne/sdbtreefs/internal/idalloc"
	"github.com/lemosyne/sdbtreefs/internal/keytree/storage"
	"github.com/lemosyne/sdbtreefs/internal/logger"
	"github.com/lemosyne/sdbtreefs/internal/namespace"
)

// errnoFor is the single translation point from every error kind named in
// spec.md §7 to the negative errno the VFS boundary reports, logging the
// original error as it goes.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var (
		mapErr   namespace.MappingError
		existErr namespace.ErrAlreadyExists
		deallErr idalloc.DeallocError
		storErr  *storage.StorageError
		encErr   enclave.EnclaveError
		tooBig   fileview.ErrFileTooLarge
	)
	switch {
	case errors.As(err, &mapErr):
		logger.For("fs").WithError(err).Warn("mapping error")
		return syscall.ENOENT
	case errors.As(err, &existErr):
		return syscall.EEXIST
	case errors.As(err, &deallErr):
		logger.For("fs").WithError(err).Error("allocator error")
		return syscall.ENOSPC
	case errors.As(err, &storErr):
		logger.For("fs").WithError(err).Error("storage error")
		return syscall.EIO
	case errors.As(err, &encErr):
		logger.For("fs").WithError(err).Error("enclave error")
		return syscall.EIO
	case errors.As(err, &tooBig):
		return syscall.EFBIG
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	default:
		logger.For("fs").WithError(err).Error("unclassified error")
		return syscall.EIO
	}
}
