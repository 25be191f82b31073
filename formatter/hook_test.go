package formatter

import (
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerHook_Relative(t *testing.T) {
	testCases := []struct {
		name     string
		filePath string
		expected string
	}{
		{
			name:     "module in GOPATH",
			filePath: "/home/user/go/src/github.com/netbirdio/updates/client/internal/updates/loader/loader.go",
			expected: "client/internal/updates/loader/loader.go",
		},
		{
			name:     "checkout with a duplicated name in the path",
			filePath: "/Users/user/updates/repos/updates/formatter/formatter.go",
			expected: "formatter/formatter.go",
		},
		{
			name:     "checkout with a renamed root",
			filePath: "/Users/user/Github/MyOwnClient/formatter/formatter.go",
			expected: "formatter/formatter.go",
		},
		{
			name:     "third party module",
			filePath: "/home/user/go/pkg/mod/gorm.io/gorm@v1.25.12/callbacks.go",
			expected: "gorm@v1.25.12/callbacks.go",
		},
	}

	hook := NewCallerHook()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, hook.relative(tc.filePath))
		})
	}
}

func TestCallerHook_Fire(t *testing.T) {
	entry := &logrus.Entry{Data: logrus.Fields{}}
	require.NoError(t, NewCallerHook().Fire(entry))
	assert.NotContains(t, entry.Data, SourceField, "entries without a caller are left untouched")

	entry.Caller = &runtime.Frame{File: "/src/github.com/netbirdio/updates/util/log.go", Line: 42}
	require.NoError(t, NewCallerHook().Fire(entry))
	assert.Equal(t, "util/log.go:42", entry.Data[SourceField])
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "asset downloaded",
		Data: logrus.Fields{
			"updateID":  "u1",
			"loadID":    "l1",
			"hash":      "ab12",
			SourceField: "loader/loader.go:10",
		},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05.000Z INFO [hash: ab12, loadID: l1, updateID: u1] loader/loader.go:10: asset downloaded\n", string(out))

	out, err = NewTextFormatter("updateID", "loadID", "component").Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05.000Z INFO [updateID: u1, loadID: l1, hash: ab12] loader/loader.go:10: asset downloaded\n", string(out))
}

func TestTextFormatter_NoFields(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.ErrorLevel,
		Message: "launch failed",
		Data:    logrus.Fields{},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05.000Z ERRO launch failed\n", string(out))
}
