package formatter

import (
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// SourceField is the entry field holding the caller location
const SourceField = "source"

const modulePrefix = "github.com/netbirdio/updates/"

// CallerHook records the file and line that produced an entry
type CallerHook struct {
	modulePrefix string
}

// NewCallerHook creates a hook that reports callers relative to the module root
func NewCallerHook() *CallerHook {
	return &CallerHook{modulePrefix: modulePrefix}
}

// Levels fires the hook for every level
func (h *CallerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire requires logrus.SetReportCaller(true); entries without a caller are left untouched.
func (h *CallerHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data[SourceField] = fmt.Sprintf("%s:%d", h.relative(entry.Caller.File), entry.Caller.Line)
	return nil
}

// relative trims filePath to a module relative path, or to dir/file for checkouts outside
// of GOPATH and third party code
func (h *CallerHook) relative(filePath string) string {
	if i := strings.LastIndex(filePath, h.modulePrefix); i >= 0 {
		return filePath[i+len(h.modulePrefix):]
	}

	dir, file := path.Split(filePath)
	return path.Join(path.Base(dir), file)
}
