package output

import (
	"fmt"
	"os"
	"path/filepath"
)

// pendingFile is a hidden temp file next to path that replaces path on commit.
type pendingFile struct {
	*os.File
	path      string
	committed bool
}

func createPending(path string) (*pendingFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	return &pendingFile{File: f, path: path}, nil
}

func (p *pendingFile) commit() error {
	if p.committed {
		return nil
	}
	if err := p.Chmod(0644); err != nil {
		p.discard()
		return err
	}
	if err := p.File.Close(); err != nil {
		p.discard()
		return err
	}
	if err := os.Rename(p.Name(), p.path); err != nil {
		_ = os.Remove(p.Name())
		return fmt.Errorf("failed to move results into %s: %w", p.path, err)
	}
	p.committed = true
	return nil
}

// discard drops uncommitted output. It is a no-op after commit.
func (p *pendingFile) discard() {
	if p.committed {
		return
	}
	_ = p.File.Close()
	_ = os.Remove(p.Name())
}
