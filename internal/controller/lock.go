// Copyright 2025 Spotmgr Contributors
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

package controller

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockDir hands out host-scoped pool locks backed by flock files. Multiple
// worker processes on one machine contend on the same lock file, so at most
// one reconciler touches a pool at a time.
type LockDir struct {
	dir string
}

// NewLockDir creates a lock factory rooted at dir. The directory must exist.
func NewLockDir(dir string) *LockDir {
	return &LockDir{dir: dir}
}

// PoolLock is a held lock. Release must be called on every exit path.
type PoolLock struct {
	fl *flock.Flock
}

// TryAcquire attempts to take the lock for a pool without blocking. The
// second return is false when another holder exists.
func (d *LockDir) TryAcquire(poolID int64) (*PoolLock, bool, error) {
	path := filepath.Join(d.dir, fmt.Sprintf("spotmgr.pool%d.lck", poolID))
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &PoolLock{fl: fl}, true, nil
}

// Release drops the lock. Safe to call exactly once.
func (l *PoolLock) Release() error {
	return l.fl.Unlock()
}
