package main

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// lockPolicy controls how long acquireFileLock waits and when an existing
// lock file is considered abandoned.
type lockPolicy struct {
	retries    int
	retryDelay time.Duration
	staleAfter time.Duration
}

var defaultLockPolicy = lockPolicy{
	retries:    50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

var errLockTimeout = errors.New("timeout waiting for file lock")

// fileLock is an exclusive lock on a token file, held through a sibling
// ".lock" file so it also works across processes.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

func acquireFileLock(filePath string) (*fileLock, error) {
	return defaultLockPolicy.acquire(filePath)
}

func (p lockPolicy) acquire(filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < p.retries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID for debugging stuck locks
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > p.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(p.retryDelay)
	}

	return nil, fmt.Errorf("%w after %v", errLockTimeout, time.Duration(p.retries)*p.retryDelay)
}

func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}

// withFileLock runs fn while holding the lock for filePath.
func withFileLock(filePath string, fn func() error) (err error) {
	lock, err := acquireFileLock(filePath)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lock: %w", releaseErr)
		}
	}()
	return fn()
}
