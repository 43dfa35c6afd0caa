package keys

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileExchanger resolves conversation keys from hex-encoded key files laid
// down by the external key-exchange agent, one file per conversation:
// <dir>/<conversationID>.key. A missing file means the exchange has not
// completed yet and the error is retryable.
type FileExchanger struct {
	dir string
}

// NewFileExchanger creates an exchanger reading from the given directory.
func NewFileExchanger(dir string) *FileExchanger {
	return &FileExchanger{dir: dir}
}

func (f *FileExchanger) EnsureKey(_ context.Context, conversationID string) (Handle, error) {
	if strings.ContainsAny(conversationID, "/\\") || conversationID == "" {
		return Handle{}, fmt.Errorf("invalid conversation id %q", conversationID)
	}
	raw, err := os.ReadFile(filepath.Join(f.dir, conversationID+".key"))
	if err != nil {
		return Handle{}, fmt.Errorf("key not established: %w", err)
	}
	root, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return Handle{}, fmt.Errorf("malformed key file: %w", err)
	}
	return NewHandle(root)
}
