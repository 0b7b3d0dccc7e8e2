package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIsCanceledWhenTestEnds(t *testing.T) {
	var ctx context.Context
	t.Run("inner", func(t *testing.T) {
		ctx = Context(t)
		select {
		case <-ctx.Done():
			t.Fatal("context must stay live for the duration of the test")
		default:
		}
	})

	select {
	case <-ctx.Done():
	default:
		t.Fatal("context must be canceled once the owning test completes")
	}
}

func TestTempDirCreatesWritableDirectory(t *testing.T) {
	dir := TempDir(t)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.Contains(filepath.Base(dir), "podium-test-"), "dir = %s", dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "probe"), []byte("ok"), 0644))
}

func TestTempFileRoundTrip(t *testing.T) {
	path := TempFile(t, "hello podium")

	AssertFileExists(t, path)
	AssertFileContent(t, path, "hello podium")
}

func TestChdirSwitchesWorkingDirectory(t *testing.T) {
	original, err := os.Getwd()
	require.NoError(t, err)

	t.Run("inner", func(t *testing.T) {
		dir := TempDir(t)
		Chdir(t, dir)

		got, err := os.Getwd()
		require.NoError(t, err)
		// Temp paths may traverse symlinks, so compare resolved forms.
		wantResolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		gotResolved, err := filepath.EvalSymlinks(got)
		require.NoError(t, err)
		assert.Equal(t, wantResolved, gotResolved)
	})

	restored, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, original, restored, "working directory must be restored after the test")
}

func TestPanicHelpers(t *testing.T) {
	RequirePanics(t, func() { panic("boom") })
	RequireNoPanic(t, func() {})
}

func TestFileExistenceAssertions(t *testing.T) {
	path := TempFile(t, "present")

	AssertFileExists(t, path)
	AssertFileNotExists(t, filepath.Join(filepath.Dir(path), "absent.txt"))
}

func TestTableDrivenRunsEveryCase(t *testing.T) {
	tests := []TableTest{
		{Name: "lower", Input: "podium", Want: "PODIUM"},
		{Name: "mixed", Input: "DevServer", Want: "DEVSERVER"},
		{Name: "empty", Input: "", WantErr: true},
	}

	ran := make(map[string]bool)
	TableDriven(t, tests, func(t *testing.T, tt TableTest) {
		ran[tt.Name] = true
		input := tt.Input.(string)
		if tt.WantErr {
			assert.Empty(t, input)
			return
		}
		assert.Equal(t, tt.Want, strings.ToUpper(input))
	})

	assert.Len(t, ran, len(tests), "every table case must execute")
}

type badPortError struct {
	port int
}

func (e *badPortError) Error() string {
	return fmt.Sprintf("port %d out of range", e.port)
}

func TestErrorAssertions(t *testing.T) {
	sentinel := errors.New("no slots available")
	wrapped := fmt.Errorf("launch session 3: %w", sentinel)

	AssertError(t, sentinel, sentinel)
	AssertErrorIs(t, wrapped, sentinel)

	var target *badPortError
	AssertErrorType(t, fmt.Errorf("assign: %w", &badPortError{port: 70000}), &target)
	assert.Equal(t, 70000, target.port)
}
