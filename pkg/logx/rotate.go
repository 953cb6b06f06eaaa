package logx

import (
	"os"
	"path/filepath"
	"sync"
)

const defaultMaxSizeMB = 50

// rotatingFile is a size-capped append writer. When the file would exceed the
// cap it is renamed to "<path>.1" (replacing any previous backup) and a fresh
// file is opened. One backup is kept.
type rotatingFile struct {
	mu   sync.Mutex
	path string
	max  int64
	f    *os.File
	size int64
}

func openRotating(cfg FileConfig) (*rotatingFile, error) {
	maxMB := cfg.MaxSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &rotatingFile{
		path: cfg.Path,
		max:  int64(maxMB) * 1024 * 1024,
		f:    f,
		size: st.Size(),
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size+int64(len(p)) > r.max && r.size > 0 {
		if err := r.rotateLocked(); err != nil {
			// Rotation failure should not lose log lines; keep appending.
			n, werr := r.f.Write(p)
			r.size += int64(n)
			if werr != nil {
				return n, werr
			}
			return n, nil
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	_ = os.Remove(r.path + ".1")
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		// Reopen the original so writes can continue either way.
		f, oerr := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if oerr != nil {
			return oerr
		}
		r.f = f
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
